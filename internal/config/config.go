package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SPI      SPIConfig      `yaml:"spi"`
	Select   SelectConfig   `yaml:"select"`
	Protocol ProtocolConfig `yaml:"protocol"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Web      WebConfig      `yaml:"web"`
	Trace    TraceConfig    `yaml:"trace"`
	Sim      SimConfig      `yaml:"sim"`
}

// SPIConfig selects the bus. Bus number, chip enable and clock are per
// deployment; the scripts this replaces used CE0 at 1 MHz and CE1 at 250 kHz.
type SPIConfig struct {
	// Backend is "spidev" (default), "periph" or "sim".
	Backend string `yaml:"backend"`
	// Device is a spidev path for "spidev" or a periph port name for "periph".
	Device  string `yaml:"device"`
	SpeedHz int    `yaml:"speed_hz"`
	Mode    int    `yaml:"mode"`
}

type SelectConfig struct {
	Enable bool         `yaml:"enable"`
	Chip   string       `yaml:"chip"`
	Lines  []SelectLine `yaml:"lines"`
}

type SelectLine struct {
	Offset int `yaml:"offset"`
	Value  int `yaml:"value"`
}

type ProtocolConfig struct {
	PowerOnDelay    time.Duration `yaml:"power_on_delay"`
	PowerOnAttempts int           `yaml:"power_on_attempts"`
	PowerOnInterval time.Duration `yaml:"power_on_interval"`
	PollAttempts    int           `yaml:"poll_attempts"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxTransfer     int           `yaml:"max_transfer"`
}

type BridgeConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	UDPDest      string        `yaml:"udp_dest"`
	Stdout       bool          `yaml:"stdout"`
	WriteChunk   int           `yaml:"write_chunk"`
	Serial       SerialConfig  `yaml:"serial"`
}

type SerialConfig struct {
	Enable bool   `yaml:"enable"`
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

type WebConfig struct {
	Listen string `yaml:"listen"`
}

type TraceConfig struct {
	RecordPath string `yaml:"record_path"`
	ReplayPath string `yaml:"replay_path"`

	// LogExchanges prints every bus exchange to the process log.
	LogExchanges bool `yaml:"log_exchanges"`
}

type SimConfig struct {
	SlaveOnAfter   int           `yaml:"slave_on_after"`
	FIFOReadyAfter int           `yaml:"fifo_ready_after"`
	RxCapacity     int           `yaml:"rx_capacity"`
	Echo           bool          `yaml:"echo"`
	NMEAInterval   time.Duration `yaml:"nmea_interval"`
}

// maxTransferDefault leaves room for the opcode byte: spidev's default
// bufsiz is 4096 and a 4096-byte data read is a 4097-byte transfer.
const maxTransferDefault = 4095

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	cfg.SPI.Backend = strings.ToLower(strings.TrimSpace(cfg.SPI.Backend))
	if cfg.SPI.Backend == "" {
		cfg.SPI.Backend = "spidev"
	}
	switch cfg.SPI.Backend {
	case "spidev":
		if cfg.SPI.Device == "" {
			cfg.SPI.Device = "/dev/spidev0.0"
		}
	case "periph", "sim":
	default:
		return Config{}, fmt.Errorf("spi.backend must be one of spidev, periph, sim")
	}
	if cfg.SPI.SpeedHz <= 0 {
		cfg.SPI.SpeedHz = 1000000
	}
	if cfg.SPI.Mode < 0 || cfg.SPI.Mode > 3 {
		return Config{}, fmt.Errorf("spi.mode must be 0..3")
	}

	if cfg.Select.Enable {
		if cfg.Select.Chip == "" {
			cfg.Select.Chip = "gpiochip0"
		}
		if len(cfg.Select.Lines) == 0 {
			return Config{}, fmt.Errorf("select.lines is required when select.enable is true")
		}
		for _, l := range cfg.Select.Lines {
			if l.Value != 0 && l.Value != 1 {
				return Config{}, fmt.Errorf("select.lines value must be 0 or 1")
			}
		}
	}

	p := &cfg.Protocol
	if p.PowerOnDelay == 0 {
		p.PowerOnDelay = 10 * time.Millisecond
	}
	if p.PowerOnAttempts == 0 {
		p.PowerOnAttempts = 10
	}
	if p.PowerOnInterval == 0 {
		p.PowerOnInterval = 10 * time.Millisecond
	}
	if p.PollAttempts == 0 {
		p.PollAttempts = 100
	}
	if p.PollInterval == 0 {
		p.PollInterval = 1 * time.Millisecond
	}
	if p.MaxTransfer == 0 {
		p.MaxTransfer = maxTransferDefault
	}
	if p.PowerOnDelay < 0 || p.PowerOnInterval < 0 || p.PollInterval < 0 {
		return Config{}, fmt.Errorf("protocol intervals must be > 0")
	}
	if p.PowerOnAttempts < 0 || p.PollAttempts < 0 {
		return Config{}, fmt.Errorf("protocol attempts must be > 0")
	}
	if p.MaxTransfer < 0 || p.MaxTransfer > 4096 {
		return Config{}, fmt.Errorf("protocol.max_transfer must be 1..4096")
	}

	if cfg.Bridge.PollInterval <= 0 {
		cfg.Bridge.PollInterval = 1 * time.Second
	}
	if cfg.Bridge.WriteChunk <= 0 {
		cfg.Bridge.WriteChunk = 256
	}
	if cfg.Bridge.WriteChunk > p.MaxTransfer {
		return Config{}, fmt.Errorf("bridge.write_chunk must not exceed protocol.max_transfer")
	}
	if cfg.Bridge.Serial.Enable {
		if cfg.Bridge.Serial.Device == "" {
			return Config{}, fmt.Errorf("bridge.serial.device is required when bridge.serial.enable is true")
		}
		if cfg.Bridge.Serial.Baud <= 0 {
			cfg.Bridge.Serial.Baud = 115200
		}
	}

	if cfg.Trace.RecordPath != "" && cfg.Trace.ReplayPath != "" {
		return Config{}, fmt.Errorf("trace.record_path and trace.replay_path cannot both be set")
	}

	// Simulator defaults (safe even if unused).
	if cfg.Sim.NMEAInterval <= 0 {
		cfg.Sim.NMEAInterval = 1 * time.Second
	}
	if cfg.Sim.RxCapacity <= 0 {
		cfg.Sim.RxCapacity = 4096
	}

	return cfg, nil
}
