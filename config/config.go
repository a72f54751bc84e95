// Package config holds socket and pool configuration with their defaults.
//
// Defaults follow the classic socket option set: 16 KiB buffers, every flag off,
// no linger override and infinite timeouts. ClientSocket and ServerSocket are the
// presets most callers want.
package config

import (
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

// Socket describes how a TCP connection is dialled or accepted.
type Socket struct {
	ConnectTimeout    time.Duration `yaml:"connect-timeout"` // 0 waits forever
	ReadTimeout       time.Duration `yaml:"read-timeout"`    // 0 waits forever
	TCPNoDelay        bool          `yaml:"tcp-no-delay"`
	KeepAlive         bool          `yaml:"keep-alive"`
	ReuseAddress      bool          `yaml:"reuse-address"`
	SendBufferSize    int           `yaml:"send-buffer-size"`    // 0 keeps the OS default
	ReceiveBufferSize int           `yaml:"receive-buffer-size"` // 0 keeps the OS default
	SoLinger          int           `yaml:"so-linger"`           // seconds, negative keeps the OS default
	TrafficClass      int           `yaml:"traffic-class"`       // IP_TOS, 0 keeps the OS default
}

const (
	DefaultSendBufferSize    = 16384
	DefaultReceiveBufferSize = 16384
	DefaultSoLinger          = -1
)

// DefaultSocket returns the option set with every default applied.
func DefaultSocket() Socket {
	return Socket{
		SendBufferSize:    DefaultSendBufferSize,
		ReceiveBufferSize: DefaultReceiveBufferSize,
		SoLinger:          DefaultSoLinger,
	}
}

// ClientSocket is DefaultSocket with no-delay and keep-alive enabled.
func ClientSocket() Socket {
	s := DefaultSocket()
	s.TCPNoDelay = true
	s.KeepAlive = true
	return s
}

// ServerSocket is ClientSocket with address reuse enabled.
func ServerSocket() Socket {
	s := ClientSocket()
	s.ReuseAddress = true
	return s
}

// Validate rejects impossible values.
func (s Socket) Validate() error {
	switch {
	case s.ConnectTimeout < 0:
		return errors.NotValidf("negative connect timeout %v", s.ConnectTimeout)
	case s.ReadTimeout < 0:
		return errors.NotValidf("negative read timeout %v", s.ReadTimeout)
	case s.SendBufferSize < 0 || s.ReceiveBufferSize < 0:
		return errors.NotValidf("negative buffer size")
	case s.TrafficClass < 0 || s.TrafficClass > 255:
		return errors.NotValidf("traffic class %d", s.TrafficClass)
	}
	return nil
}

// Pool bounds and tunes a connection pool.
type Pool struct {
	MaxActive        int           `yaml:"max-active"` // live connections, borrowed plus idle
	MaxIdle          int           `yaml:"max-idle"`
	MinIdle          int           `yaml:"min-idle"`
	MaxWait          time.Duration `yaml:"max-wait"` // >0 bounds a borrow, 0 fails fast, <0 waits for the caller's context
	LIFO             bool          `yaml:"lifo"`
	TestOnBorrow     bool          `yaml:"test-on-borrow"`
	TestOnReturn     bool          `yaml:"test-on-return"`
	TestWhileIdle    bool          `yaml:"test-while-idle"`
	EvictionInterval time.Duration `yaml:"eviction-interval"` // 0 disables the background evictor
	MinEvictableIdle time.Duration `yaml:"min-evictable-idle"`
}

// DefaultPool returns the default pool policy.
func DefaultPool() Pool {
	return Pool{
		MaxActive:        8,
		MaxIdle:          8,
		MinIdle:          0,
		MaxWait:          -1,
		LIFO:             true,
		TestOnReturn:     true,
		MinEvictableIdle: 30 * time.Minute,
	}
}

// Validate rejects impossible values.
func (p Pool) Validate() error {
	switch {
	case p.MaxActive <= 0:
		return errors.NotValidf("max active %d", p.MaxActive)
	case p.MaxIdle < 0:
		return errors.NotValidf("max idle %d", p.MaxIdle)
	case p.MinIdle < 0 || p.MinIdle > p.MaxActive:
		return errors.NotValidf("min idle %d with max active %d", p.MinIdle, p.MaxActive)
	case p.EvictionInterval < 0:
		return errors.NotValidf("negative eviction interval")
	}
	return nil
}

// File is the on-disk configuration read by the easyrpc command.
type File struct {
	Server   Socket `yaml:"server"`
	Client   Socket `yaml:"client"`
	Pool     Pool   `yaml:"pool"`
	Codec    string `yaml:"codec"`
	LogLevel string `yaml:"log-level"`
}

// DefaultFile is the configuration used when no file is given.
func DefaultFile() File {
	return File{
		Server:   ServerSocket(),
		Client:   ClientSocket(),
		Pool:     DefaultPool(),
		Codec:    "gob",
		LogLevel: "info",
	}
}

// Load reads path over DefaultFile, so omitted keys keep their defaults.
func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, errors.Annotatef(err, "reading config %q", path)
	}
	return Parse(data)
}

// Parse decodes YAML over DefaultFile and validates the result.
func Parse(data []byte) (File, error) {
	f := DefaultFile()
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, errors.Annotate(err, "parsing config")
	}
	for _, s := range []Socket{f.Server, f.Client} {
		if err := s.Validate(); err != nil {
			return File{}, errors.Trace(err)
		}
	}
	if err := f.Pool.Validate(); err != nil {
		return File{}, errors.Trace(err)
	}
	return f, nil
}
