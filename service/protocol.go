// Package service implements the service registry: objects registered under
// an abstract capability, a Protocol, and looked up by any compatible one.
package service

// Protocol identifies an abstract capability, independent of the concrete
// type implementing it. By convention protocols are dotted names such as
// "acme.motd.IMOTD".
type Protocol string

// Provider is implemented by service instances that declare the capabilities
// they satisfy. A registration is compatible with every protocol its instance
// lists here, whatever protocol it was registered under.
type Provider interface {
	Protocols() []Protocol
}

// Factory lazily creates a service instance.
type Factory func() (any, error)

// ServiceID identifies a registration. IDs are allocated monotonically and
// never reused within a registry.
type ServiceID int64
