package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kakaiu/foundationdb/internal/config"
	"github.com/kakaiu/foundationdb/internal/distributor"
	"github.com/kakaiu/foundationdb/internal/kvstore/kvstoretest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func startServer(t *testing.T) (*Client, *distributor.Supervisor) {
	t.Helper()
	store := kvstoretest.New()
	sup := distributor.New(store, uuid.New(), config.Default())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	g := grpc.NewServer()
	NewServer(sup, nil).Register(g)
	go g.Serve(lis)
	t.Cleanup(g.Stop)

	client, err := Dial(lis.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, sup
}

func TestHaltRoundTrip(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Halt(ctx, &HaltRequest{RequesterID: uuid.New()})
	assert.NoError(t, err)
}

func TestMetricsWithoutPipelineIsUnavailable(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Metrics(ctx, &MetricsRequest{})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.Unavailable, st.Code())
}

func TestExclusionCheckRejectsEmptyList(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.ExclusionSafetyCheck(ctx, &ExclusionCheckRequest{})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.InvalidArgument, st.Code())
}

func TestSnapCreateWithoutTopologyFails(t *testing.T) {
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.SnapCreate(ctx, &SnapRequest{UID: uuid.New(), Payload: "snap.sh"})
	st, ok := status.FromError(err)
	require.True(t, ok)
	assert.Equal(t, codes.FailedPrecondition, st.Code())
}

func TestCodecRoundTrip(t *testing.T) {
	c := jsonCodec{}
	in := &MetricsRequest{Begin: []byte("a"), End: []byte("z"), ShardLimit: 5, MidOnly: true}
	data, err := c.Marshal(in)
	require.NoError(t, err)
	out := new(MetricsRequest)
	require.NoError(t, c.Unmarshal(data, out))
	assert.Equal(t, in, out)
}
