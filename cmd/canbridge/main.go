// command canbridge runs an MQTT↔CAN bridge from the terminal:
// frames written to stdin as JSON lines are published to the broker,
// frames received from the broker are printed to stdout.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"mcuemu.dev/bridge"
	"mcuemu.dev/canbus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "canbridge: %v\n", err)
		os.Exit(2)
	}
}

func run() error {
	var (
		broker  = flag.String("broker", "mqtt://localhost:1883", "broker endpoint")
		channel = flag.Uint("channel", 0, "bus channel (0-255)")
		format  = flag.String("format", "json", "payload format: json, binary or cbor")
		fields  = flag.String("fields", "", "optional fields to stamp: pubid,pubcnt,timestamp")
	)
	flag.Parse()
	if *channel > 255 {
		return fmt.Errorf("channel %d out of range", *channel)
	}
	mask, err := bridge.ParseOptionalFields(*fields)
	if err != nil {
		return err
	}

	// stdout carries frames; everything else goes to stderr.
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	jsonEnc, err := bridge.NewEncoder("json")
	if err != nil {
		return err
	}
	out := bufio.NewWriter(os.Stdout)
	b, err := bridge.New(bridge.Config{
		BrokerURI:      *broker,
		Channel:        uint8(*channel),
		Format:         *format,
		OptionalFields: mask,
		Logger:         log,
		Deliver: func(f canbus.Frame) {
			p, err := jsonEnc.Encode(f)
			if err != nil {
				log.Warn("frame print failed", slog.Any("err", err))
				return
			}
			out.Write(p)
			out.WriteByte('\n')
			out.Flush()
		},
	})
	if err != nil {
		return err
	}
	defer b.Close()

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := jsonEnc.Decode(line)
		if err != nil {
			log.Warn("bad input frame", slog.Any("err", err))
			continue
		}
		b.OnFrameReceived(f)
	}
	return sc.Err()
}
