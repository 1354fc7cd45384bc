package main

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"
)

var errNoSudoUser = errors.New("not started through sudo (SUDO_USER is unset)")

// sudoInvoker returns the account that started the sampler with sudo
func sudoInvoker() (*user.User, error) {
	name := os.Getenv("SUDO_USER")
	if name == "" {
		return nil, errNoSudoUser
	}
	u, err := user.Lookup(name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up sudo user %s: %w", name, err)
	}
	return u, nil
}

// releaseRoot switches the sampler to the sudo invoker's uid and gid
func releaseRoot() error {
	u, err := sudoInvoker()
	if err != nil {
		return err
	}

	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("sudo user %s has a non-numeric uid %q: %w", u.Username, u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("sudo user %s has a non-numeric gid %q: %w", u.Username, u.Gid, err)
	}

	// Group first, setgid is no longer allowed once the uid is gone.
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("failed to switch sampler to gid %d: %w", gid, err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("failed to switch sampler to uid %d: %w", uid, err)
	}

	log.Infof("Probes attached, sampling continues as %s (uid %d)", u.Username, uid)
	return nil
}

// onAttached runs once every probe holds its kernel handle. Open links and
// the ring buffer keep working after root is given up.
func onAttached() {
	if os.Geteuid() != 0 || os.Getenv("SUDO_USER") == "" {
		return
	}
	if err := releaseRoot(); err != nil {
		log.Warnf("Warning: sampling continues as root: %v", err)
	}
}
