// netaudio streams live audio between two machines over UDP with
// minimal added latency. A process runs as the sender (capture and
// transmit) when --sendto is given and as the receiver (receive and
// play) otherwise.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/companyzero/netaudio/internal/audio"
	"github.com/companyzero/netaudio/receiver"
	"github.com/companyzero/netaudio/sender"
)

func listDevices(logBknd *logBackend) error {
	devs, err := audio.ListAudioDevices(logBknd.logger("AUDI"))
	if err != nil {
		return err
	}

	printDevs := func(title string, list []audio.Device) {
		fmt.Printf("%s devices:\n", title)
		for _, d := range list {
			def := ""
			if d.IsDefault {
				def = " (default)"
			}
			fmt.Printf("  %s%s\n    id: %s\n", d.Name, def, d.ID)
		}
	}
	printDevs("Playback", devs.Playback)
	printDevs("Capture", devs.Capture)
	return nil
}

func _main() error {
	// flags and settings
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	logBknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer logBknd.close()

	if cfg.ListDevices {
		return listDevices(logBknd)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for termination signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigs
		cancel()
	}()

	// Init the requested role.
	var run func(context.Context) error
	role := "receiver"
	if cfg.isSender() {
		role = "sender"
		s, err := sender.New(
			sender.WithSendAddr(cfg.SendAddr),
			sender.WithCaptureDevice(cfg.DeviceID),
			sender.WithLogger(logBknd.logger("SEND")),
			sender.WithPrometheusListenAddr(cfg.PromListen),
			sender.WithRingCapacity(cfg.RingCap),
			sender.WithPacketSize(cfg.PacketSize),
			sender.WithOpus(cfg.Opus),
			sender.WithFlushTimeout(cfg.FlushTimeout),
			sender.WithReportStatsInterval(cfg.StatsInterval),
		)
		if err != nil {
			return err
		}
		run = s.Run
	} else {
		r, err := receiver.New(
			receiver.WithListenAddr(cfg.ListenAddr),
			receiver.WithPlaybackDevice(cfg.DeviceID),
			receiver.WithLogger(logBknd.logger("RECV")),
			receiver.WithPrometheusListenAddr(cfg.PromListen),
			receiver.WithRingCapacity(cfg.RingCap),
			receiver.WithPrefill(cfg.Prefill),
			receiver.WithFillPolicy(cfg.FillPolicy),
			receiver.WithSequenceWindow(cfg.Window),
			receiver.WithStallTolerance(cfg.StallTolerance),
			receiver.WithSessionTimeout(cfg.SessionTimeout),
			receiver.WithReportStatsInterval(cfg.StatsInterval),
		)
		if err != nil {
			return err
		}
		run = r.Run
	}

	logBknd.logger("MAIN").Infof("%s starting as %s", appName, role)

	// Run role.
	err = run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func main() {
	err := _main()
	if err != nil && !errors.Is(err, errCmdDone) {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
