// Package login1 moves a user who authenticates at the greeter back to a
// session they already have on this seat, through systemd-logind.
package login1

import (
	"context"
	"fmt"
	"os/user"
	"strconv"

	"github.com/godbus/dbus/v5"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("login1")

const (
	BusName     = "org.freedesktop.login1"
	ManagerPath = dbus.ObjectPath("/org/freedesktop/login1")
	managerIfc  = "org.freedesktop.login1.Manager"
)

// SessionEntry is one element of Manager.ListSessions.
type SessionEntry struct {
	ID   string
	UID  uint32
	User string
	Seat string
	Path dbus.ObjectPath
}

type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Migrator looks for an existing session of a user on one seat.
type Migrator struct {
	manager caller
	seat    string
	lookup  func(name string) (*user.User, error)
}

// New uses logind's manager object on conn, normally the system bus.
func New(conn *dbus.Conn, seat string) *Migrator {
	return &Migrator{
		manager: conn.Object(BusName, ManagerPath),
		seat:    seat,
		lookup:  user.Lookup,
	}
}

// FindSession returns the first session of username on the migrator's seat.
func (m *Migrator) FindSession(ctx context.Context, username string) (*SessionEntry, error) {
	u, err := m.lookup(username)
	if err != nil {
		return nil, fmt.Errorf("login1: look up %s: %w", username, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("login1: uid of %s: %w", username, err)
	}

	var sessions []SessionEntry
	if err := m.manager.CallWithContext(ctx, managerIfc+".ListSessions", 0).Store(&sessions); err != nil {
		return nil, fmt.Errorf("login1: list sessions: %w", err)
	}
	for i := range sessions {
		s := sessions[i]
		if s.UID == uint32(uid) && s.Seat == m.seat {
			return &s, nil
		}
	}
	return nil, nil
}

// TryMigrate switches to an existing session of username on this seat. It
// reports whether a switch happened; the caller then has nothing more to do
// for this login.
func (m *Migrator) TryMigrate(ctx context.Context, username string) bool {
	if username == "" {
		return false
	}
	s, err := m.FindSession(ctx, username)
	if err != nil {
		log.Warn("cannot look for existing session", "user", username, logging.KeyError, err)
		return false
	}
	if s == nil {
		log.Debug("no existing session to migrate to", "user", username, "seat", m.seat)
		return false
	}

	if err := m.manager.CallWithContext(ctx, managerIfc+".ActivateSession", 0, s.ID).Err; err != nil {
		log.Warn("cannot activate existing session", "session", s.ID, logging.KeyError, err)
		return false
	}
	if err := m.manager.CallWithContext(ctx, managerIfc+".UnlockSession", 0, s.ID).Err; err != nil {
		log.Warn("cannot unlock existing session", "session", s.ID, logging.KeyError, err)
	}
	log.Info("migrated to existing session", "user", username, "session", s.ID)
	return true
}
