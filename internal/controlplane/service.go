package controlplane

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/google/uuid"
	"gopkg.in/tomb.v2"

	"github.com/perberos/Mate-Desktop-Environment-sub006/internal/logging"
)

const factoryIntrospection = `
<interface name="org.mate.DisplayManager.LocalDisplayFactory">
	<method name="CreateProductDisplay">
		<arg type="o" name="parent_display_id" direction="in"/>
		<arg type="s" name="relay_address" direction="in"/>
		<arg type="o" name="id" direction="out"/>
	</method>
</interface>`

const productIntrospection = `
<interface name="org.mate.DisplayManager.ProductDisplay">
	<method name="GetRelayAddress">
		<arg type="s" name="address" direction="out"/>
	</method>
	<method name="GetId">
		<arg type="o" name="id" direction="out"/>
	</method>
	<method name="GetParentDisplayId">
		<arg type="o" name="id" direction="out"/>
	</method>
</interface>`

// Launcher starts a product slave for a display id on the X display
// displayName. The returned channel is closed when the slave exits.
type Launcher interface {
	Launch(ctx context.Context, displayID, displayName string) (<-chan struct{}, error)
}

// DefaultFirstDisplay is the lowest X display number given to product
// displays; :0 belongs to the local seat.
const DefaultFirstDisplay = 1

// maxDisplayNumber bounds the search for a free X display number.
const maxDisplayNumber = 255

// Option configures a Service.
type Option func(*Service)

// WithFirstDisplay sets the lowest display number handed out.
func WithFirstDisplay(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.firstDisplay = n
		}
	}
}

// WithDisplayInUse replaces the check for X servers this service did not
// start.
func WithDisplayInUse(inUse func(n int) bool) Option {
	return func(s *Service) { s.inUse = inUse }
}

// xDisplayInUse reports whether an X server holds display n, judged by its
// lock file or socket.
func xDisplayInUse(n int) bool {
	num := strconv.Itoa(n)
	for _, path := range []string{"/tmp/.X" + num + "-lock", "/tmp/.X11-unix/X" + num} {
		if _, err := os.Lstat(path); err == nil {
			return true
		}
	}
	return false
}

// bus is the part of *dbus.Conn the service needs.
type bus interface {
	Export(v interface{}, path dbus.ObjectPath, iface string) error
	RequestName(name string, flags dbus.RequestNameFlags) (dbus.RequestNameReply, error)
	ReleaseName(name string) (dbus.ReleaseNameReply, error)
}

// Service exports the local display factory and the product displays it
// creates.
type Service struct {
	conn     bus
	name     string
	launcher Launcher
	newID    func() string

	firstDisplay int
	inUse        func(n int) bool

	mu       sync.Mutex
	displays map[dbus.ObjectPath]*ProductDisplay
	numbers  map[int]dbus.ObjectPath
	t        tomb.Tomb
	started  bool
	tracking bool
}

func NewService(conn bus, name string, launcher Launcher, opts ...Option) *Service {
	s := &Service{
		conn:         conn,
		name:         name,
		launcher:     launcher,
		newID:        func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
		firstDisplay: DefaultFirstDisplay,
		inUse:        xDisplayInUse,
		displays:     make(map[dbus.ObjectPath]*ProductDisplay),
		numbers:      make(map[int]dbus.ObjectPath),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start exports the factory and takes the bus name.
func (s *Service) Start() error {
	xml := "<node>" + factoryIntrospection + introspect.IntrospectDataString + "</node>"
	if err := s.conn.Export(factory{s}, FactoryPath, FactoryInterface); err != nil {
		return fmt.Errorf("controlplane: export factory: %w", err)
	}
	if err := s.conn.Export(introspect.Introspectable(xml), FactoryPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("controlplane: export introspection: %w", err)
	}

	reply, err := s.conn.RequestName(s.name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("controlplane: request name %s: %w", s.name, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("controlplane: cannot obtain bus name %q", s.name)
	}

	s.started = true
	if err := s.track(func() error {
		<-s.t.Dying()
		return nil
	}); err != nil {
		return err
	}
	log.Info("display factory running", "name", s.name)
	return nil
}

// Stop releases the bus name and waits for launched product slaves to be
// forgotten.
func (s *Service) Stop() error {
	if s.started {
		if _, err := s.conn.ReleaseName(s.name); err != nil {
			log.Warn("release bus name", "name", s.name, logging.KeyError, err)
		}
	}
	s.mu.Lock()
	s.t.Kill(nil)
	tracking := s.tracking
	s.mu.Unlock()
	if !tracking {
		return nil
	}
	return s.t.Wait()
}

// track runs fn under the service's tomb. Stop kills the tomb under mu, so
// a tomb that is not dying here cannot have finished.
func (s *Service) track(fn func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.t.Dying():
		return ErrStopped
	default:
	}
	s.tracking = true
	s.t.Go(fn)
	return nil
}

// Dying is closed when the service starts shutting down.
func (s *Service) Dying() <-chan struct{} {
	return s.t.Dying()
}

// Displays returns the ids of the product displays currently known.
func (s *Service) Displays() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.displays))
	for id := range s.displays {
		ids = append(ids, string(id))
	}
	return ids
}

// Display returns the product display with id, if any.
func (s *Service) Display(id string) (*ProductDisplay, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.displays[dbus.ObjectPath(id)]
	return d, ok
}

// CreateProductDisplay registers a product display for relayAddress and
// launches its slave.
func (s *Service) CreateProductDisplay(ctx context.Context, parentID, relayAddress string) (string, error) {
	if relayAddress == "" {
		return "", ErrEmptyAddress
	}
	select {
	case <-s.t.Dying():
		return "", ErrStopped
	default:
	}
	id := dbus.ObjectPath(DisplayPathPrefix + "Product" + s.newID())
	if !id.IsValid() {
		return "", fmt.Errorf("controlplane: invalid display id %q", id)
	}
	d := &ProductDisplay{id: id, parent: dbus.ObjectPath(parentID), relayAddress: relayAddress}

	s.mu.Lock()
	num, err := s.allocateNumber(id)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	d.number = num
	d.name = ":" + strconv.Itoa(num)
	s.displays[id] = d
	s.mu.Unlock()

	xml := "<node>" + productIntrospection + introspect.IntrospectDataString + "</node>"
	if err := s.conn.Export(d, id, ProductDisplayInterface); err != nil {
		s.remove(id)
		return "", fmt.Errorf("controlplane: export %s: %w", id, err)
	}
	s.conn.Export(introspect.Introspectable(xml), id, "org.freedesktop.DBus.Introspectable")

	exited, err := s.launcher.Launch(ctx, string(id), d.name)
	if err != nil {
		s.remove(id)
		return "", fmt.Errorf("controlplane: launch product slave: %w", err)
	}
	log.Info("created product display", logging.KeyDisplay, id, "name", d.name, "parent", parentID)

	err = s.track(func() error {
		select {
		case <-exited:
			log.Info("product slave exited", logging.KeyDisplay, id)
		case <-s.t.Dying():
		}
		s.remove(id)
		return nil
	})
	if err != nil {
		s.remove(id)
		return "", err
	}
	return string(id), nil
}

// allocateNumber reserves the lowest free display number for id. Callers
// hold mu.
func (s *Service) allocateNumber(id dbus.ObjectPath) (int, error) {
	for n := s.firstDisplay; n <= maxDisplayNumber; n++ {
		if _, taken := s.numbers[n]; taken || s.inUse(n) {
			continue
		}
		s.numbers[n] = id
		return n, nil
	}
	return 0, ErrNoDisplayNumber
}

func (s *Service) remove(id dbus.ObjectPath) {
	s.mu.Lock()
	if d, ok := s.displays[id]; ok && s.numbers[d.number] == id {
		delete(s.numbers, d.number)
	}
	delete(s.displays, id)
	s.mu.Unlock()
	s.conn.Export(nil, id, ProductDisplayInterface)
	s.conn.Export(nil, id, "org.freedesktop.DBus.Introspectable")
}

// factory is the exported LocalDisplayFactory object.
type factory struct {
	s *Service
}

func (f factory) CreateProductDisplay(parent dbus.ObjectPath, relayAddress string) (dbus.ObjectPath, *dbus.Error) {
	id, err := f.s.CreateProductDisplay(context.Background(), string(parent), relayAddress)
	if err != nil {
		log.Warn("create product display failed", logging.KeyError, err)
		return "", dbus.MakeFailedError(err)
	}
	return dbus.ObjectPath(id), nil
}

// ProductDisplay is an exported product display object.
type ProductDisplay struct {
	id           dbus.ObjectPath
	parent       dbus.ObjectPath
	relayAddress string
	number       int
	name         string
}

// Name returns the X display name of the product display, e.g. ":1".
func (d *ProductDisplay) Name() string {
	return d.name
}

func (d *ProductDisplay) GetRelayAddress() (string, *dbus.Error) {
	return d.relayAddress, nil
}

func (d *ProductDisplay) GetId() (dbus.ObjectPath, *dbus.Error) {
	return d.id, nil
}

func (d *ProductDisplay) GetParentDisplayId() (dbus.ObjectPath, *dbus.Error) {
	return d.parent, nil
}
