// Package controlplane is the display manager's D-Bus surface used by the
// factory and product slaves: the local display factory that creates
// product displays, and the product display objects that hand out the
// relay address.
package controlplane

import (
	"context"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

var log = logging.L("controlplane")

const (
	BusName                 = "org.mate.DisplayManager"
	FactoryPath             = dbus.ObjectPath("/org/mate/DisplayManager/LocalDisplayFactory")
	FactoryInterface        = "org.mate.DisplayManager.LocalDisplayFactory"
	ProductDisplayInterface = "org.mate.DisplayManager.ProductDisplay"
	DisplayPathPrefix       = "/org/mate/DisplayManager/Displays/"
)

var (
	ErrEmptyAddress = errors.New("controlplane: empty relay address")
	ErrStopped      = errors.New("controlplane: service stopped")

	ErrNoDisplayNumber = errors.New("controlplane: no free X display number")
)

type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// FactoryClient calls the local display factory.
type FactoryClient struct {
	obj caller
}

func NewFactoryClient(conn *dbus.Conn, name string, path dbus.ObjectPath) *FactoryClient {
	return &FactoryClient{obj: conn.Object(name, path)}
}

// CreateProductDisplay asks the factory for a product display that will
// join the relay at relayAddress. It returns the new display's id.
func (c *FactoryClient) CreateProductDisplay(ctx context.Context, parentID, relayAddress string) (string, error) {
	if !dbus.ObjectPath(parentID).IsValid() {
		return "", fmt.Errorf("controlplane: invalid parent display id %q", parentID)
	}
	var id dbus.ObjectPath
	err := c.obj.CallWithContext(ctx, FactoryInterface+".CreateProductDisplay", 0,
		dbus.ObjectPath(parentID), relayAddress).Store(&id)
	if err != nil {
		return "", fmt.Errorf("controlplane: create product display: %w", err)
	}
	return string(id), nil
}

// ProductDisplayClient calls one product display object.
type ProductDisplayClient struct {
	obj caller
}

func NewProductDisplayClient(conn *dbus.Conn, name, displayID string) *ProductDisplayClient {
	return &ProductDisplayClient{obj: conn.Object(name, dbus.ObjectPath(displayID))}
}

// GetRelayAddress returns the address of the relay the product slave must
// join.
func (c *ProductDisplayClient) GetRelayAddress(ctx context.Context) (string, error) {
	var addr string
	if err := c.obj.CallWithContext(ctx, ProductDisplayInterface+".GetRelayAddress", 0).Store(&addr); err != nil {
		return "", fmt.Errorf("controlplane: get relay address: %w", err)
	}
	if addr == "" {
		return "", ErrEmptyAddress
	}
	return addr, nil
}
