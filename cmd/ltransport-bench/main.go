// ltransport-bench drives the lower transport layer end to end over
// an in-process loopback, for manual exercise of the segmenter,
// reassembler and acknowledgement engine without a real mesh stack
// underneath — the same role the teacher's examples/basic and
// cmd/sdo_client binaries play for the CANopen stack.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"

	"github.com/wiresmith/meshtransport/pkg/clock"
	"github.com/wiresmith/meshtransport/pkg/config"
	"github.com/wiresmith/meshtransport/pkg/message"
	"github.com/wiresmith/meshtransport/pkg/network"
)

// scenario is the set of tunables loaded from the ini scenario file.
type scenario struct {
	Src         uint16
	Dst         uint16
	TTL         uint8
	PayloadSize int
	Kind        string // "access" or "control"
}

func loadScenario(path string) (scenario, error) {
	s := scenario{Src: 0x0002, Dst: 0x0001, TTL: 2, PayloadSize: 20, Kind: "access"}
	if path == "" {
		return s, nil
	}
	cfg, err := ini.Load(path)
	if err != nil {
		return s, fmt.Errorf("loading scenario file %s: %w", path, err)
	}
	sec := cfg.Section("scenario")
	s.Src = uint16(sec.Key("src").MustUint(int(s.Src)))
	s.Dst = uint16(sec.Key("dst").MustUint(int(s.Dst)))
	s.TTL = uint8(sec.Key("ttl").MustUint(int(s.TTL)))
	s.PayloadSize = sec.Key("payload_size").MustInt(s.PayloadSize)
	s.Kind = sec.Key("kind").MustString(s.Kind)
	return s, nil
}

func main() {
	scenarioPath := flag.String("scenario", "", "path to an ini scenario file (defaults to a built-in 20-byte access scenario)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	sc, err := loadScenario(*scenarioPath)
	if err != nil {
		logrus.Fatalf("[BENCH] %v", err)
	}

	if err := run(sc); err != nil {
		logrus.Fatalf("[BENCH] scenario failed: %v", err)
	}
}

// run wires two Transport instances back to back: sender's
// CreateNetworkLayerPDU callback feeds directly into the receiver's
// HandleInboundPDU, standing in for the network layer.
func run(sc scenario) error {
	fakeClock := clock.NewFakeClock(time.Unix(0, 0))
	scheduler := clock.NewFakeScheduler(fakeClock)
	cfg := config.Default()

	// Both Transport instances log through the same logrus output the
	// harness itself uses for its [BENCH] lines, via the slog/logrus
	// bridge — one place this binary exercises logrus and log/slog
	// side by side, the way the teacher carries both.
	bridged := slog.New(newLogrusHandler(logrus.StandardLogger()))

	var seq uint32
	var receiver *network.Transport

	senderCb := network.Callbacks{
		CreateNetworkLayerPDU: func(segmentPDU []byte, dst uint16, ttl uint8) ([]byte, error) {
			logrus.Debugf("[BENCH] sender -> network: %d bytes to 0x%04X (ttl %d)", len(segmentPDU), dst, ttl)
			receiver.HandleInboundPDU(segmentPDU, sc.Kind == "access", sc.Src, sc.Dst, sc.TTL, seq)
			return segmentPDU, nil
		},
		IncrementSequenceNumber: func() uint32 { seq++; return seq },
		CurrentIVIndex:          func() uint32 { return 0 },
	}
	sender := network.New(fakeClock, scheduler, cfg, senderCb, bridged)

	var delivered bool
	var deliveredLen int
	receiverCb := network.Callbacks{
		CreateNetworkLayerPDU: func(segmentPDU []byte, dst uint16, ttl uint8) ([]byte, error) {
			logrus.Debugf("[BENCH] receiver -> network (ack): %d bytes to 0x%04X", len(segmentPDU), dst)
			sender.HandleInboundPDU(segmentPDU, false, sc.Dst, sc.Src, sc.TTL, seq)
			return segmentPDU, nil
		},
		DeliverAccessMessage: func(m *message.AccessMessage) {
			delivered = true
			deliveredLen = len(m.UpperPDU)
		},
		DeliverControlMessage: func(m *message.ControlMessage) {
			delivered = true
			deliveredLen = len(m.TransportPDU)
		},
		IncrementSequenceNumber: func() uint32 { seq++; return seq },
		CurrentIVIndex:          func() uint32 { return 0 },
	}
	receiver = network.New(fakeClock, scheduler, cfg, receiverCb, bridged)

	payload := make([]byte, sc.PayloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}

	logrus.Infof("[BENCH] sending %d-byte %s message, src=0x%04X dst=0x%04X ttl=%d", sc.PayloadSize, sc.Kind, sc.Src, sc.Dst, sc.TTL)

	switch sc.Kind {
	case "access":
		msg := message.NewAccessMessage(payload, true, 0x01, false, seq)
		msg.Src, msg.Dst, msg.TTL = sc.Src, sc.Dst, sc.TTL
		if err := sender.SendAccessMessage(msg); err != nil {
			return err
		}
	case "control":
		msg := message.NewControlMessage(payload, 0x10, seq)
		msg.Src, msg.Dst, msg.TTL = sc.Src, sc.Dst, sc.TTL
		if err := sender.SendControlMessage(msg, nil); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown scenario kind %q (want \"access\" or \"control\")", sc.Kind)
	}

	// Drain the ack timer in case completion raced the scheduled ack.
	scheduler.Advance(cfg.AckTimeout(sc.TTL) + time.Millisecond)

	if !delivered {
		fmt.Fprintln(os.Stderr, "message was never delivered to the upper layer")
		os.Exit(1)
	}
	logrus.Infof("[BENCH] delivered %d-byte upper PDU to receiver", deliveredLen)
	logrus.Infof("[BENCH] sender stats:   %+v", sender.Stats())
	logrus.Infof("[BENCH] receiver stats: %+v", receiver.Stats())
	return nil
}
