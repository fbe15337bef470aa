package main

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/mcdev12/carauction/go/internal/auction/bus"
	"github.com/mcdev12/carauction/go/internal/auction/config"
	"github.com/mcdev12/carauction/go/internal/auction/query"
)

func TestLoadConfig(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("INSTANCE_ID", "node-a")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("NATS_URL", "")

	cfg := loadConfig()
	require.Equal(t, "9090", cfg.Port)
	require.Equal(t, "node-a", cfg.InstanceID)
	require.Equal(t, "memory", cfg.StoreDriver)
	require.Equal(t, zerolog.DebugLevel, cfg.LogLevel)
	require.Empty(t, cfg.NATSURL)

	t.Setenv("LOG_LEVEL", "chatty")
	require.Equal(t, zerolog.InfoLevel, loadConfig().LogLevel)
}

func TestUnknownStoreDriver(t *testing.T) {
	_, err := setupStorage(context.Background(), "sqlite")
	require.ErrorContains(t, err, "unknown STORE_DRIVER")
}

func TestServerWiring(t *testing.T) {
	st, err := setupStorage(context.Background(), "memory")
	require.NoError(t, err)

	services, err := setupServices(Config{InstanceID: "test"}, config.DefaultSettings(), st, bus.NewLocalBus(16))
	require.NoError(t, err)
	require.Nil(t, services.Watcher)

	server := httptest.NewServer(setupServer("0", services).Handler)
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "OK", string(body))

	client := connect.NewClient[structpb.Struct, structpb.Struct](server.Client(), server.URL+query.ListOpenAuctionsProcedure)
	list, err := client.CallUnary(context.Background(), connect.NewRequest(&structpb.Struct{}))
	require.NoError(t, err)
	require.Len(t, list.Msg.AsMap()["auctions"], 2)

	stats, err := http.Get(server.URL + "/ws/stats")
	require.NoError(t, err)
	stats.Body.Close()
	require.Equal(t, http.StatusOK, stats.StatusCode)
}
