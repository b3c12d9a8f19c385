package config

import (
	"github.com/spf13/pflag"
)

// Overrides binds command-line flags to config keys. A flag only replaces
// the file value when it was given explicitly.
type Overrides struct {
	fs       *pflag.FlagSet
	bindings []binding
}

type binding struct {
	name  string
	apply func(*Config)
}

func bind[T any](o *Overrides, name string, v *T, field func(*Config) **T) {
	o.bindings = append(o.bindings, binding{name: name, apply: func(c *Config) {
		val := *v
		*field(c) = &val
	}})
}

// RegisterFlags adds a flag for every config key to fs. Flag names are the
// config keys with dashes.
func RegisterFlags(fs *pflag.FlagSet) *Overrides {
	o := &Overrides{fs: fs}

	bind(o, "serial-port", fs.String("serial-port", "", "serial device the instrument is attached to"), func(c *Config) **string { return &c.SerialPort })
	bind(o, "baud-rate", fs.Int("baud-rate", 0, "serial baud rate"), func(c *Config) **int { return &c.BaudRate })
	bind(o, "data-bits", fs.Int("data-bits", 0, "serial data bits"), func(c *Config) **int { return &c.DataBits })
	bind(o, "stop-bits", fs.Int("stop-bits", 0, "serial stop bits"), func(c *Config) **int { return &c.StopBits })
	bind(o, "parity", fs.String("parity", "", "serial parity (N, E or O)"), func(c *Config) **string { return &c.Parity })

	bind(o, "sensor-id", fs.String("sensor-id", "", "sensor id written to every row (default: reported by the instrument)"), func(c *Config) **string { return &c.SensorID })
	bind(o, "mode", fs.String("mode", "", "acquisition mode: freerun or polled"), func(c *Config) **string { return &c.Mode })
	bind(o, "prompt-timeout", fs.String("prompt-timeout", "", "menu prompt timeout"), func(c *Config) **string { return &c.PromptTimeout })

	bind(o, "mission", fs.String("mission", "", "default mission name"), func(c *Config) **string { return &c.Mission })
	bind(o, "data-root", fs.String("data-root", "", "directory recordings are written under"), func(c *Config) **string { return &c.DataRoot })
	bind(o, "rate-hz", fs.Float64("rate-hz", 0, "nominal sample rate"), func(c *Config) **float64 { return &c.RateHz })
	bind(o, "roll-interval", fs.String("roll-interval", "", "chunk roll interval"), func(c *Config) **string { return &c.RollInterval })
	bind(o, "flush-interval", fs.String("flush-interval", "", "recorder flush interval"), func(c *Config) **string { return &c.FlushInterval })
	bind(o, "target-chunk-bytes", fs.Int64("target-chunk-bytes", 0, "chunk size that triggers an early roll"), func(c *Config) **int64 { return &c.TargetChunkBytes })
	bind(o, "retain-chunks", fs.Bool("retain-chunks", false, "keep chunk files after combining"), func(c *Config) **bool { return &c.RetainChunks })

	bind(o, "companion-url", fs.String("companion-url", "", "base URL of the in-water companion"), func(c *Config) **string { return &c.CompanionURL })
	bind(o, "companion-timeout", fs.String("companion-timeout", "", "timeout for each companion request"), func(c *Config) **string { return &c.CompanionTimeout })
	bind(o, "offset-samples", fs.Int("offset-samples", 0, "round trips per clock offset measurement"), func(c *Config) **int { return &c.OffsetSamples })
	bind(o, "max-rtt", fs.String("max-rtt", "", "discard clock samples slower than this"), func(c *Config) **string { return &c.MaxRTT })

	bind(o, "listen", fs.String("listen", "", "HTTP listen address"), func(c *Config) **string { return &c.Listen })
	bind(o, "catalog-path", fs.String("catalog-path", "", "session catalog database"), func(c *Config) **string { return &c.CatalogPath })
	bind(o, "log-level", fs.String("log-level", "", "log verbosity: ops, diag or trace"), func(c *Config) **string { return &c.LogLevel })

	return o
}

// Apply copies every explicitly set flag into c and revalidates it.
func (o *Overrides) Apply(c *Config) error {
	for _, b := range o.bindings {
		if o.fs.Changed(b.name) {
			b.apply(c)
		}
	}
	return c.Validate()
}
