package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/mapsync/internal/core/events/bus"
	"github.com/zeusync/mapsync/internal/core/layer"
	"github.com/zeusync/mapsync/internal/core/mapview"
	"github.com/zeusync/mapsync/internal/core/observability/log"
	"github.com/zeusync/mapsync/internal/injector"
	"github.com/zeusync/mapsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML or TOML config file")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv, err := injector.InitializeServer(*configPath, demoSession)
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}

	if err = srv.Run(ctx); err != nil {
		fmt.Println("Error running server:", err)
		os.Exit(1)
	}
}

// demoSession puts a base layer and a marker on every connected renderer
// and logs marker clicks.
func demoSession(ctx context.Context, s *server.Session) error {
	logger := log.Provide().With(log.String("session_id", s.ID()))

	m, err := s.NewMap(mapview.WithView(mapview.View{Zoom: 3}))
	if err != nil {
		return err
	}
	if err = m.Initialize(ctx); err != nil {
		return err
	}

	tiles := layer.MustNew(layer.KindTileLayer, map[string]any{
		"url":         "https://tile.openstreetmap.org/{z}/{x}/{y}.png",
		"attribution": "OpenStreetMap contributors",
	})
	marker := layer.MustNew(layer.KindMarker, map[string]any{"latlng": []float64{51.5, -0.09}})
	marker.SetPopup("Hello from mapsync")

	if _, err = marker.On(layer.EventClick, func(ev bus.Event) error {
		logger.Info("Marker clicked", log.LayerID(marker.ID()), log.String("payload", string(ev.Payload())))
		return nil
	}); err != nil {
		return err
	}

	for _, l := range []*layer.Layer{tiles, marker} {
		if _, err = m.AddLayer(l); err != nil {
			return err
		}
	}
	return nil
}
