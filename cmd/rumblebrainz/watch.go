package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
)

type watchOptions struct {
	url string
	raw bool
}

func newWatchCmd(root *rootOptions) *cobra.Command {
	opts := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print live motor intensities from a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			wsURL := opts.url
			if wsURL == "" {
				cfg, err := loadConfig(root.configFile, FlagOverrides{})
				if err != nil {
					return err
				}
				if cfg.HTTP.Listen == "" {
					return errConfig("http.listen is disabled; pass --url")
				}
				wsURL = (&url.URL{Scheme: "ws", Host: cfg.HTTP.Listen, Path: "/ws/state"}).String()
			}
			ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchState(ctx, wsURL, c.OutOrStdout(), opts.raw)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "state websocket URL (default from config http.listen)")
	cmd.Flags().BoolVar(&opts.raw, "raw", false, "print every frame as received")
	return cmd
}

// watchState prints state frames until ctx is canceled or the connection closes.
func watchState(ctx context.Context, wsURL string, out io.Writer, raw bool) error {
	d := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := d.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", wsURL, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	p := &statePrinter{out: out, raw: raw}
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read state frame: %w", err)
		}
		p.handle(msg)
	}
}

// statePrinter renders state frames, printing intensities only when they change.
type statePrinter struct {
	out  io.Writer
	raw  bool
	last []float64
}

func (p *statePrinter) handle(msg []byte) {
	if p.raw {
		fmt.Fprintf(p.out, "%s\n", msg)
		return
	}

	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		fmt.Fprintf(p.out, "[TEXT] %s\n", msg)
		return
	}

	switch env.Type {
	case wsTypeStateInit:
		var snap StateSnapshot
		if err := json.Unmarshal(env.Data, &snap); err != nil {
			return
		}
		device := snap.Device
		if device == "" {
			device = "(none)"
		}
		fmt.Fprintf(p.out, "[DEVICE] %s motors=%d watermark=%d\n", device, len(snap.Intensities), snap.Watermark)
		p.print(snap.Intensities)

	case wsTypeIntensities:
		var data wsIntensitiesData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		p.print(data.Intensities)

	case wsTypeDeviceChanged:
		var data wsDeviceChangedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		fmt.Fprintf(p.out, "[DEVICE] %s motors=%d\n", data.Name, data.Motors)
		p.last = nil

	default:
		fmt.Fprintf(p.out, "[%s] %s\n", strings.ToUpper(env.Type), env.Data)
	}
}

func (p *statePrinter) print(values []float64) {
	// Round to 3 decimal places to avoid spurious changes.
	rounded := make([]float64, len(values))
	for i, v := range values {
		rounded[i] = math.Round(v*1000) / 1000
	}
	if p.last != nil && slices.Equal(p.last, rounded) {
		return
	}
	p.last = rounded

	parts := make([]string, len(rounded))
	for i, v := range rounded {
		parts[i] = fmt.Sprintf("%.3f", v)
	}
	fmt.Fprintf(p.out, "[INTENSITY] %s\n", strings.Join(parts, " "))
}
