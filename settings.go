package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/receiver"
	"github.com/companyzero/netaudio/sender"
	"github.com/jrick/flagfile"
	strduration "github.com/xhit/go-str2duration/v2"
)

const appName = "netaudio"

// Error to signal loadConfig() completed everything the cmd had to do
// and main() should exit.
var errCmdDone = errors.New("cmd done")

// config holds the settings of one netaudio process. A process runs a
// single role: sender when SendAddr is set, receiver otherwise.
type config struct {
	ListenAddr *net.UDPAddr
	SendAddr   *net.UDPAddr
	DeviceID   audio.DeviceID
	Opus       bool

	PacketSize int
	RingCap    int
	Prefill    int
	FillPolicy receiver.FillPolicy
	Window     int

	FlushTimeout   time.Duration
	StallTolerance time.Duration
	SessionTimeout time.Duration

	PromListen    string
	LogFile       string
	MaxLogFiles   int
	DebugLevel    string
	StatsInterval time.Duration

	ListDevices bool
}

func (c *config) isSender() bool {
	return c.SendAddr != nil
}

func loadConfig(args []string) (*config, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	flagCfgFile := fs.String("cfg", "", "Config file to load")
	flagListDevices := fs.Bool("listdevices", false, "List audio devices and exit")
	flagListen := fs.String("listen", ":14785", "Address to receive audio on")
	flagSendTo := fs.String("sendto", "", "Address to stream captured audio to (enables the sender role)")
	flagDevice := fs.String("device", "", "Audio device ID, empty for the system default")
	flagCodec := fs.String("codec", "raw", "Payload codec: raw or opus")
	flagPacketSize := fs.Int("packetsize", sender.DefaultPacketSize, "Max datagram size in bytes")
	flagRingCap := fs.Int("ringcap", receiver.DefaultRingCapacity, "Buffer capacity in frames, rounded up to a power of two")
	flagPrefill := fs.Int("prefill", receiver.DefaultPrefill, "Frames to buffer before playback starts")
	flagFillPolicy := fs.String("fillpolicy", receiver.FillSilence.String(), "What plays in place of lost frames: silence or hold")
	flagWindow := fs.Int("window", receiver.DefaultWindowSize, "Reorder window size in packets")
	flagFlushTimeout := fs.String("flushtimeout", sender.DefaultFlushTimeout.String(), "How long a partial packet waits before being sent short")
	flagStallTolerance := fs.String("stalltolerance", receiver.DefaultStallTolerance.String(), "Underruns longer than this stall the stream")
	flagSessionTimeout := fs.String("sessiontimeout", receiver.DefaultSessionTimeout.String(), "Idle time before a sender session is dropped")
	flagPromListen := fs.String("promlisten", "", "Address to serve prometheus metrics on")
	flagLogFile := fs.String("logfile", "", "Log file location, empty logs to stdout only")
	flagMaxLogFiles := fs.Int("maxlogfiles", 3, "Max rotated log files to keep")
	flagDebugLevel := fs.String("debuglevel", "info", "Log level, singly or as subsys=level pairs")
	flagStatsInterval := fs.String("statsinterval", "10s", "Interval between stats log lines, 0 disables them")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, errCmdDone
		}
		return nil, err
	}

	// Load config from file, then reparse so CLI flags win.
	if *flagCfgFile != "" {
		f, err := os.Open(*flagCfgFile)
		if err != nil {
			return nil, fmt.Errorf("unable to open config file: %v", err)
		}
		parser := flagfile.Parser{
			ParseSections: true,
		}
		err = parser.Parse(f, fs)
		f.Close()
		if err != nil {
			return nil, err
		}
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
	}

	// Sanity check loaded flags.
	cfg := &config{
		DeviceID:    audio.DeviceID(*flagDevice),
		PacketSize:  *flagPacketSize,
		RingCap:     *flagRingCap,
		Prefill:     *flagPrefill,
		Window:      *flagWindow,
		PromListen:  *flagPromListen,
		LogFile:     *flagLogFile,
		MaxLogFiles: *flagMaxLogFiles,
		DebugLevel:  *flagDebugLevel,
		ListDevices: *flagListDevices,
	}

	if *flagSendTo != "" {
		addr, err := net.ResolveUDPAddr("udp", *flagSendTo)
		if err != nil {
			return nil, fmt.Errorf("invalid value for flag 'sendto': %v", err)
		}
		cfg.SendAddr = addr
	} else {
		if *flagListen == "" {
			return nil, fmt.Errorf("flag 'listen' cannot be empty")
		}
		addr, err := net.ResolveUDPAddr("udp", *flagListen)
		if err != nil {
			return nil, fmt.Errorf("invalid value for flag 'listen': %v", err)
		}
		cfg.ListenAddr = addr
	}

	switch *flagCodec {
	case "raw":
	case "opus":
		cfg.Opus = true
	default:
		return nil, fmt.Errorf("unknown codec %q", *flagCodec)
	}

	var err error
	cfg.FillPolicy, err = receiver.ParseFillPolicy(*flagFillPolicy)
	if err != nil {
		return nil, err
	}

	cfg.FlushTimeout, err = strduration.ParseDuration(*flagFlushTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'flushtimeout': %v", err)
	}
	cfg.StallTolerance, err = strduration.ParseDuration(*flagStallTolerance)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'stalltolerance': %v", err)
	}
	cfg.SessionTimeout, err = strduration.ParseDuration(*flagSessionTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'sessiontimeout': %v", err)
	}
	cfg.StatsInterval, err = strduration.ParseDuration(*flagStatsInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid value for flag 'statsinterval': %v", err)
	}

	return cfg, nil
}
