package daemon

import (
	"fmt"
	"os/user"
	"strconv"
)

// Identity is a resolved user/group pair.
type Identity struct {
	User  string
	UID   int
	GID   int
	Home  string
	Group string
}

// LookupIdentity resolves userName and groupName. An empty groupName uses
// the user's primary group.
func LookupIdentity(userName, groupName string) (*Identity, error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return nil, fmt.Errorf("lookup user %q: %w", userName, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("user %q has non-numeric uid %q", userName, u.Uid)
	}

	gidStr := u.Gid
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return nil, fmt.Errorf("lookup group %q: %w", groupName, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("group %q has non-numeric gid %q", groupName, gidStr)
	}

	return &Identity{User: u.Username, UID: uid, GID: gid, Home: u.HomeDir, Group: groupName}, nil
}
