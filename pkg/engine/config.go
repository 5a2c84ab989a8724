package engine

import (
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"bedrock/internal/blkstore"
	"bedrock/internal/device"
	"bedrock/internal/resource"
)

// Config is the structured engine input. No flag or file parsing happens
// here; callers assemble the value and hand it to Open.
type Config struct {
	// Devices are the raw device paths the engine exclusively owns.
	Devices []string `validate:"required,min=1,dive,required"`

	// DeviceType names the device class ("file", "nvme", ...). Advisory.
	DeviceType string

	// DriveAttrs overrides attribute probing when the caller knows the
	// drive geometry better than the engine can discover it.
	DriveAttrs *device.Attrs

	// MinVirtualPageSize is the data store's page size. Defaults to the
	// atomic physical page size.
	MinVirtualPageSize uint32

	// RestrictedMode is carried in the config but not consulted: the engine
	// opens with its full read and write paths either way.
	RestrictedMode bool

	// AutoRecovery replays persisted state at reattach. On by default via
	// DefaultConfig.
	AutoRecovery bool

	// MemReleaseRate is the interval in seconds between forced returns of
	// freed memory to the OS; zero disables it.
	MemReleaseRate int

	// Logger is the root structured logger. Defaults to slog.Default().
	Logger *slog.Logger

	// DataCompletion, if set, observes every data-store I/O completion.
	DataCompletion blkstore.CompletionFn

	// OnVdevError observes out-of-band vdev failures.
	OnVdevError func(vdevID uint32)
}

// DefaultConfig returns a config for the given devices with recovery on.
func DefaultConfig(devices ...string) Config {
	return Config{
		Devices:        devices,
		AutoRecovery:   true,
		MemReleaseRate: resource.DefaultMemReleaseRate,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) normalize() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func (c *Config) check() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.MinVirtualPageSize != 0 && (c.MinVirtualPageSize&(c.MinVirtualPageSize-1)) != 0 {
		return fmt.Errorf("%w: min virtual page size %d is not a power of two",
			ErrInvalidConfig, c.MinVirtualPageSize)
	}
	return nil
}
