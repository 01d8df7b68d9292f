package backend

import (
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// pipelineElements holds the references needed after construction: the
// pipeline for lifecycle transitions and the appsink for callbacks.
type pipelineElements struct {
	pipeline *gst.Pipeline
	appSink  *app.Sink
}

// buildRTSPPipeline constructs the software decode chain
//
//	rtspsrc → rtph264depay → avdec_h264 → videoconvert → videoscale →
//	videorate → capsfilter → appsink
//
// scaled to opts.Width x opts.Height RGB at opts.TargetFPS. The pipeline is
// configured but left in NULL state; the caller moves it to PLAYING.
func buildRTSPPipeline(uri string, opts Options) (*pipelineElements, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", uri)
	rtspsrc.SetProperty("protocols", 4) // TCP only
	rtspsrc.SetProperty("latency", 200)
	rtspsrc.SetProperty("tcp-timeout", uint64(10000000)) // 10s

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("failed to create rtph264depay: %w", err)
	}

	decoder, err := gst.NewElement("avdec_h264")
	if err != nil {
		return nil, fmt.Errorf("failed to create avdec_h264: %w", err)
	}
	decoder.SetProperty("max-threads", 0)
	decoder.SetProperty("output-corrupt", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("failed to create videoscale: %w", err)
	}

	videorate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	videorate.SetProperty("drop-only", true)
	videorate.SetProperty("skip-to-first", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		framerateCaps(opts.Width, opts.Height, opts.TargetFPS)))

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	appsink.SetProperty("sync", false)    // real time, no clock sync
	appsink.SetProperty("max-buffers", 1) // latest frame only
	appsink.SetProperty("drop", true)
	appsink.SetProperty("qos", true)

	pipeline.AddMany(rtspsrc, depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element)

	// rtspsrc pads are dynamic; everything downstream links statically.
	if err := gst.ElementLinkMany(depay, decoder, converter, scaler, videorate, capsfilter, appsink.Element); err != nil {
		return nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}

	rtspsrc.Connect("pad-added", func(self *gst.Element, srcPad *gst.Pad) {
		linkDynamicPad(srcPad, depay)
	})

	return &pipelineElements{
		pipeline: pipeline,
		appSink:  appsink,
	}, nil
}

// linkDynamicPad connects a freshly created rtspsrc pad to the depayloader.
func linkDynamicPad(srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("backend: failed to get sink pad from depayloader")
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("backend: failed to link dynamic pad",
			"src_pad", srcPad.GetName(),
			"ret", ret,
		)
		return
	}
	slog.Debug("backend: dynamic pad linked", "src_pad", srcPad.GetName())
}

// framerateCaps builds the caps string with a framerate constraint. The rate
// is expressed as a reduced rational at millihertz precision, so fractional
// rates like 2.5 or 29.97 survive intact (5/2, 2997/100).
func framerateCaps(width, height int, fps float64) string {
	numerator := int(math.Round(fps * 1000))
	denominator := 1000
	if numerator < 1 {
		numerator = 1
	}
	if g := gcd(numerator, denominator); g > 1 {
		numerator /= g
		denominator /= g
	}
	return fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/%d",
		width, height, numerator, denominator)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// errCategory classifies pipeline errors for telemetry: network trouble may
// heal on reconnect, codec and auth trouble usually will not.
type errCategory int

const (
	errNetwork errCategory = iota
	errCodec
	errAuth
	errUnknown
)

func (e errCategory) String() string {
	switch e {
	case errNetwork:
		return "network"
	case errCodec:
		return "codec"
	case errAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// classifyGstError categorizes a GStreamer error by message heuristics.
// go-gst's GError does not expose the error domain, so string matching is
// the only available signal.
func classifyGstError(gerr *gst.GError) errCategory {
	if gerr == nil {
		return errUnknown
	}
	combined := strings.ToLower(gerr.Error() + " " + gerr.DebugString())

	for _, kw := range []string{"unauthorized", "401", "403", "forbidden", "authentication", "credentials"} {
		if strings.Contains(combined, kw) {
			return errAuth
		}
	}
	for _, kw := range []string{"codec", "decode", "format", "negotiation", "caps", "h264", "no decoder", "missing plugin"} {
		if strings.Contains(combined, kw) {
			return errCodec
		}
	}
	for _, kw := range []string{"connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "udp", "rtsp", "could not connect", "failed to connect"} {
		if strings.Contains(combined, kw) {
			return errNetwork
		}
	}
	return errUnknown
}
