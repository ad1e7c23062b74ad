package rtps

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	// well-known port mapping parameters (RTPS 9.6.1.1)
	FRUDP_PORT_PB = 7400
	FRUDP_PORT_DG = 250
	FRUDP_PORT_PG = 2
	FRUDP_PORT_D0 = 0
	FRUDP_PORT_D1 = 10
	FRUDP_PORT_D2 = 1
	FRUDP_PORT_D3 = 11

	// participant ids probed when Config.ParticipantID is AutoParticipantID
	maxParticipantID = 120

	AutoParticipantID = -1
)

var (
	DefaultMulticastGroup = netip.AddrFrom4([4]byte{239, 255, 0, 1})
)

// Config holds the protocol timing and addressing of one participant.
type Config struct {
	// DomainID selects the port range; participants only see each other
	// within one domain.
	DomainID uint32 `yaml:"domain_id"`

	// ParticipantID selects the unicast ports within the domain.
	// AutoParticipantID picks the first free one.
	ParticipantID int `yaml:"participant_id"`

	// HeartbeatPeriod is how often a reliable writer heartbeats readers
	// that have not acknowledged everything.
	HeartbeatPeriod time.Duration `yaml:"heartbeat_period"`

	// NackResponseDelay is how long a writer waits after a negative
	// acknowledgement before resending, so that requests can coalesce.
	NackResponseDelay time.Duration `yaml:"nack_response_delay"`

	// HeartbeatResponseDelay is how long a reader waits before answering a
	// heartbeat. Zero answers immediately.
	HeartbeatResponseDelay time.Duration `yaml:"heartbeat_response_delay"`

	// AnnouncePeriod is the SPDP announcement interval.
	AnnouncePeriod time.Duration `yaml:"announce_period"`

	// LeaseDuration is announced to peers; they forget us if they
	// hear nothing for this long.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// LeaseCheckPeriod is how often remote leases are checked.
	LeaseCheckPeriod time.Duration `yaml:"lease_check_period"`

	// InboundQueueSize bounds the datagrams waiting for the dispatcher.
	InboundQueueSize int `yaml:"inbound_queue_size"`

	// MaxMessageSize bounds one outgoing RTPS message.
	MaxMessageSize int `yaml:"max_message_size"`

	MulticastGroup string `yaml:"multicast_group"`

	// Interface is the network interface name for UDP. Empty selects the
	// first multicast capable interface.
	Interface string `yaml:"interface"`
}

func DefaultConfig() Config {
	return Config{
		DomainID:               0,
		ParticipantID:          AutoParticipantID,
		HeartbeatPeriod:        time.Second,
		NackResponseDelay:      200 * time.Millisecond,
		HeartbeatResponseDelay: 0,
		AnnouncePeriod:         time.Second,
		LeaseDuration:          100 * time.Second,
		LeaseCheckPeriod:       time.Second,
		InboundQueueSize:       256,
		MaxMessageSize:         1400,
		MulticastGroup:         DefaultMulticastGroup.String(),
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs error
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			errs = multierr.Append(errs, fmt.Errorf("%s must be positive, got %v", name, d))
		}
	}
	positive("heartbeat_period", c.HeartbeatPeriod)
	positive("announce_period", c.AnnouncePeriod)
	positive("lease_duration", c.LeaseDuration)
	positive("lease_check_period", c.LeaseCheckPeriod)
	if c.NackResponseDelay < 0 {
		errs = multierr.Append(errs, errors.New("nack_response_delay must not be negative"))
	}
	if c.HeartbeatResponseDelay < 0 {
		errs = multierr.Append(errs, errors.New("heartbeat_response_delay must not be negative"))
	}
	if c.InboundQueueSize <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("inbound_queue_size must be positive, got %d", c.InboundQueueSize))
	}
	if c.MaxMessageSize < 256 || c.MaxMessageSize > 65507 {
		errs = multierr.Append(errs, fmt.Errorf("max_message_size %d out of range [256, 65507]", c.MaxMessageSize))
	}
	if c.ParticipantID < AutoParticipantID || c.ParticipantID >= maxParticipantID {
		errs = multierr.Append(errs, fmt.Errorf("participant_id %d out of range", c.ParticipantID))
	}
	if c.userUnicastPort(maxParticipantID-1) > 0xffff {
		errs = multierr.Append(errs, fmt.Errorf("domain_id %d too large", c.DomainID))
	}
	if _, err := c.multicastGroup(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		return fmt.Errorf("invalid config: %w", errs)
	}
	return nil
}

func (c Config) multicastGroup() (netip.Addr, error) {
	if c.MulticastGroup == "" {
		return DefaultMulticastGroup, nil
	}
	a, err := netip.ParseAddr(c.MulticastGroup)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("multicast_group: %w", err)
	}
	if !a.Is4() || !a.IsMulticast() {
		return netip.Addr{}, fmt.Errorf("multicast_group %s is not an IPv4 multicast address", a)
	}
	return a, nil
}

// port mapping, RTPS 9.6.1.1

func (c Config) metaMulticastPort() uint32 {
	return FRUDP_PORT_PB + FRUDP_PORT_DG*c.DomainID + FRUDP_PORT_D0
}

func (c Config) metaUnicastPort(participantID int) uint32 {
	return FRUDP_PORT_PB + FRUDP_PORT_DG*c.DomainID +
		FRUDP_PORT_D1 + FRUDP_PORT_PG*uint32(participantID)
}

func (c Config) userMulticastPort() uint32 {
	return FRUDP_PORT_PB + FRUDP_PORT_DG*c.DomainID + FRUDP_PORT_D2
}

func (c Config) userUnicastPort(participantID int) uint32 {
	return FRUDP_PORT_PB + FRUDP_PORT_DG*c.DomainID +
		FRUDP_PORT_D3 + FRUDP_PORT_PG*uint32(participantID)
}

// locators computes the four well known locators of a participant
// reachable at addr.
func (c Config) locators(addr netip.Addr, participantID int) Locators {
	group, err := c.multicastGroup()
	if err != nil {
		group = DefaultMulticastGroup
	}
	return Locators{
		DefaultUnicast:   []Locator{NewUDPv4Locator(addr, uint16(c.userUnicastPort(participantID)))},
		DefaultMulticast: []Locator{NewUDPv4Locator(group, uint16(c.userMulticastPort()))},
		MetaUnicast:      []Locator{NewUDPv4Locator(addr, uint16(c.metaUnicastPort(participantID)))},
		MetaMulticast:    []Locator{NewUDPv4Locator(group, uint16(c.metaMulticastPort()))},
	}
}
