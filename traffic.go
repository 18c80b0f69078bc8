package tigon

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/tigon/config"
	"golang.org/x/time/rate"
)

const (
	// minFrameSize is the smallest frame put on the wire, without FCS.
	minFrameSize = 60
	// trafficHeaderLen is the Ethernet, IPv4 and UDP headers in front of
	// every generated payload.
	trafficHeaderLen = 14 + 20 + 8
	// seqLen is the sequence number at the start of every payload.
	seqLen = 8
)

// traffic generates UDP frames to push through the device and consumes the
// frames the device delivers.
type traffic struct {
	l *logrus.Logger

	limiter *rate.Limiter
	size    int

	srcMAC, dstMAC   net.HardwareAddr
	srcIP, dstIP     net.IP
	srcPort, dstPort layers.UDPPort

	seq uint64

	mu       sync.Mutex
	expected uint64
	pcapFile *os.File
	pcap     *pcapgo.Writer

	sent     metrics.Counter
	refused  metrics.Counter
	received metrics.Counter
	bytes    metrics.Counter
	outOfSeq metrics.Counter
	foreign  metrics.Counter
}

// newTrafficFromConfig reads the traffic section of c. No file is created
// while testing the config.
func newTrafficFromConfig(l *logrus.Logger, c *config.C, registry metrics.Registry, maxFrame int, configTest bool) (*traffic, error) {
	t := &traffic{
		l:        l,
		srcMAC:   net.HardwareAddr{0x02, 0x10, 0x18, 0x00, 0x00, 0x01},
		dstMAC:   net.HardwareAddr{0x02, 0x10, 0x18, 0x00, 0x00, 0x02},
		srcPort:  layers.UDPPort(c.GetInt("traffic.src_port", 4242)),
		dstPort:  layers.UDPPort(c.GetInt("traffic.dst_port", 4243)),
		sent:     metrics.GetOrRegisterCounter("traffic.sent", registry),
		refused:  metrics.GetOrRegisterCounter("traffic.refused", registry),
		received: metrics.GetOrRegisterCounter("traffic.received", registry),
		bytes:    metrics.GetOrRegisterCounter("traffic.bytes", registry),
		outOfSeq: metrics.GetOrRegisterCounter("traffic.out_of_sequence", registry),
		foreign:  metrics.GetOrRegisterCounter("traffic.foreign", registry),
	}

	var err error
	if t.size, err = c.GetBytes("traffic.size", 256); err != nil {
		return nil, err
	}
	if t.size < minFrameSize || t.size > maxFrame {
		return nil, fmt.Errorf("traffic.size must be between %d and %d, got %d", minFrameSize, maxFrame, t.size)
	}

	if t.srcIP, err = parseIPv4(c.GetString("traffic.src_ip", "10.24.0.1")); err != nil {
		return nil, fmt.Errorf("traffic.src_ip: %w", err)
	}
	if t.dstIP, err = parseIPv4(c.GetString("traffic.dst_ip", "10.24.0.2")); err != nil {
		return nil, fmt.Errorf("traffic.dst_ip: %w", err)
	}

	r := c.GetInt("traffic.rate", 0)
	if r < 0 {
		return nil, fmt.Errorf("traffic.rate can not be negative: %d", r)
	}
	if r > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(r), max(c.GetInt("traffic.burst", 16), 1))
	}

	if path := c.GetString("traffic.pcap", ""); path != "" && !configTest {
		if err := t.openPcap(path); err != nil {
			return nil, err
		}
	}

	return t, nil
}

func parseIPv4(s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return ip, nil
}

func (t *traffic) openPcap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("traffic.pcap: %w", err)
	}

	w := pcapgo.NewWriter(f)
	if err := w.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("traffic.pcap: %w", err)
	}

	t.pcapFile = f
	t.pcap = w
	return nil
}

// reload applies a new traffic.rate and traffic.burst. Generation can not be
// turned on or off without a restart.
func (t *traffic) reload(c *config.C) {
	if !t.generating() || !c.HasChanged("traffic") {
		return
	}

	r := c.GetInt("traffic.rate", 0)
	if r <= 0 {
		t.l.WithField("rate", r).Warn("traffic.rate can not be turned off by a reload, ignoring")
		return
	}

	t.limiter.SetLimit(rate.Limit(r))
	t.limiter.SetBurst(max(c.GetInt("traffic.burst", 16), 1))
	t.l.WithFields(logrus.Fields{"rate": r, "burst": t.limiter.Burst()}).Info("Traffic rate changed")
}

// generating reports whether frames are sent on a schedule.
func (t *traffic) generating() bool {
	return t.limiter != nil
}

// frame builds a frame carrying seq.
func (t *traffic) frame(seq uint64) ([]byte, error) {
	payload := make([]byte, t.size-trafficHeaderLen)
	binary.BigEndian.PutUint64(payload, seq)

	eth := &layers.Ethernet{
		SrcMAC:       t.srcMAC,
		DstMAC:       t.dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    t.srcIP,
		DstIP:    t.dstIP,
	}
	udp := &layers.UDP{SrcPort: t.srcPort, DstPort: t.dstPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// run sends a frame every time the limiter allows until ctx is done. Refused
// frames are counted and dropped.
func (t *traffic) run(ctx context.Context, send func([]byte) error) error {
	t.l.WithFields(logrus.Fields{
		"rate":  t.limiter.Limit(),
		"burst": t.limiter.Burst(),
		"size":  humanize.IBytes(uint64(t.size)),
	}).Info("Generating traffic")

	for {
		if err := t.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		b, err := t.frame(t.seq)
		if err != nil {
			return fmt.Errorf("build frame: %w", err)
		}

		err = send(b)
		switch {
		case err == nil:
			t.seq++
			t.sent.Inc(1)
		case errors.Is(err, ErrBusy), errors.Is(err, ErrResourceExhausted),
			errors.Is(err, ErrLinkDown), errors.Is(err, ErrAllocationFailed):
			t.refused.Inc(1)
			if t.l.Level >= logrus.DebugLevel {
				t.l.WithError(err).Debug("Frame refused")
			}
		case errors.Is(err, ErrHalted):
			return nil
		default:
			return err
		}
	}
}

// receive accounts for a frame the device delivered. b is only valid for the
// duration of the call.
func (t *traffic) receive(b []byte) {
	t.received.Inc(1)
	t.bytes.Inc(int64(len(b)))

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pcap != nil {
		ci := gopacket.CaptureInfo{Timestamp: time.Now(), CaptureLength: len(b), Length: len(b)}
		if err := t.pcap.WritePacket(ci, b); err != nil {
			t.l.WithError(err).Error("Failed to write frame to pcap")
		}
	}

	pkt := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.NoCopy)
	udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.DstPort != t.dstPort || len(udp.Payload) < seqLen {
		t.foreign.Inc(1)
		if t.l.Level >= logrus.DebugLevel {
			t.l.WithField("packet", pkt.String()).Debug("Received a frame that was not generated here")
		}
		return
	}

	seq := binary.BigEndian.Uint64(udp.Payload)
	if seq != t.expected {
		t.outOfSeq.Inc(1)
		if t.l.Level >= logrus.DebugLevel {
			t.l.WithFields(logrus.Fields{"seq": seq, "expected": t.expected}).Debug("Received frame out of sequence")
		}
	}
	t.expected = seq + 1
}

// Close flushes the pcap file, if there is one.
func (t *traffic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.pcapFile == nil {
		return nil
	}
	err := t.pcapFile.Close()
	t.pcapFile = nil
	t.pcap = nil
	return err
}
