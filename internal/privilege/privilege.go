// Package privilege switches the daemon to an unprivileged user and group
// once the listening socket is bound.
package privilege

import (
	"errors"
	"fmt"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrNotResolved is returned by Drop for IDs that did not come from Resolve
var ErrNotResolved = errors.New("privilege: ids not resolved")

// IDs are the numeric identities to switch to. A negative value keeps the
// current identity.
type IDs struct {
	User  string
	Group string
	UID   int
	GID   int

	resolved bool
}

// Empty reports whether neither a user nor a group was requested
func (ids IDs) Empty() bool {
	return ids.UID < 0 && ids.GID < 0
}

// Resolve looks up userName and groupName. Empty names are skipped.
func Resolve(userName, groupName string) (IDs, error) {
	ids := IDs{User: userName, Group: groupName, UID: -1, GID: -1, resolved: true}

	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return IDs{}, fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return IDs{}, fmt.Errorf("group %q has non-numeric gid %q", groupName, g.Gid)
		}
		ids.GID = gid
	}

	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return IDs{}, fmt.Errorf("lookup user %q: %w", userName, err)
		}
		uid, err := strconv.Atoi(u.Uid)
		if err != nil {
			return IDs{}, fmt.Errorf("user %q has non-numeric uid %q", userName, u.Uid)
		}
		ids.UID = uid
	}

	return ids, nil
}

// Drop switches the process to ids, the group before the user.
func Drop(ids IDs) error {
	if !ids.resolved {
		return ErrNotResolved
	}
	if ids.Empty() {
		return nil
	}

	if ids.GID >= 0 {
		if err := unix.Setgroups([]int{ids.GID}); err != nil {
			return fmt.Errorf("setgroups %d: %w", ids.GID, err)
		}
		if err := unix.Setgid(ids.GID); err != nil {
			return fmt.Errorf("setgid %d: %w", ids.GID, err)
		}
	}
	if ids.UID >= 0 {
		if err := unix.Setuid(ids.UID); err != nil {
			return fmt.Errorf("setuid %d: %w", ids.UID, err)
		}
	}
	return nil
}
