package client

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-quiver/internal/device"
	"github.com/23skdu/longbow-quiver/internal/loss"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	exchanges atomic.Int32
}

func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	s.exchanges.Add(1)
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(ResultSchema))
	defer writer.Close()

	cpu := device.NewCPUBackend()
	for reader.Next() {
		lb, err := ReadLossBatch(reader.Record(), cpu)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		l, err := loss.WeightedSmoothL1(lb.Prediction, lb.Target, lb.Weights)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		res := builder.BuildLossResult(LossResult{Loss: l, Elements: int64(lb.Prediction.Len())})
		err = writer.Write(res)
		res.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func startMockServer(t *testing.T) (*mockFlightServer, string) {
	t.Helper()
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return mockServer, server.Addr().String()
}

func TestFlightClient_WeightedSmoothL1(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	cpu := device.NewCPUBackend()
	batches := []LossBatch{
		{
			Prediction: cpu.NewTensor(device.Shape{2}, []float32{0, 2}),
			Target:     cpu.NewTensor(device.Shape{2}, []float32{0, 0}),
		},
		{
			Prediction: cpu.NewTensor(device.Shape{1}, []float32{0.5}),
			Target:     cpu.NewTensor(device.Shape{1}, []float32{0}),
			Weights:    cpu.NewTensor(device.Shape{1}, []float32{2}),
		},
		{
			Prediction: cpu.NewTensor(device.Shape{1}, []float32{0.5}),
			Target:     cpu.NewTensor(device.Shape{1}, []float32{0}),
			Weights:    cpu.NewTensor(device.Shape{1}, []float32{4}),
		},
	}

	results, err := client.WeightedSmoothL1(context.Background(), batches)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, LossResult{Loss: 0.75, Elements: 2}, results[0])
	assert.Equal(t, LossResult{Loss: 0.25, Elements: 1}, results[1])
	assert.Equal(t, LossResult{Loss: 0.5, Elements: 1}, results[2])

	// Unweighted and weighted batches have different schemas.
	assert.Equal(t, int32(2), mockServer.exchanges.Load())
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_SameListWidthDifferentShapes(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	cpu := device.NewCPUBackend()
	values := []float32{0, 0, 0, 2, 2, 2}
	zeros := make([]float32, 6)
	// Trailing shapes (2,3) and (6) both travel as fixed_size_list<6>.
	results, err := client.WeightedSmoothL1(context.Background(), []LossBatch{
		{
			Prediction: cpu.NewTensor(device.Shape{1, 2, 3}, values),
			Target:     cpu.NewTensor(device.Shape{1, 2, 3}, zeros),
		},
		{
			Prediction: cpu.NewTensor(device.Shape{1, 6}, values),
			Target:     cpu.NewTensor(device.Shape{1, 6}, zeros),
		},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.Equal(t, LossResult{Loss: 0.75, Elements: 6}, res)
	}
	assert.Equal(t, int32(2), mockServer.exchanges.Load())
}

func TestSameLayout(t *testing.T) {
	assert.True(t, sameLayout(LossSchema(device.Shape{2, 3}, false), LossSchema(device.Shape{2, 3}, false)))
	assert.False(t, sameLayout(LossSchema(device.Shape{2, 3}, false), LossSchema(device.Shape{6}, false)))
	assert.False(t, sameLayout(LossSchema(device.Shape{6}, false), LossSchema(device.Shape{6}, true)))
}

func TestFlightClient_ShapeMismatchIsLocal(t *testing.T) {
	mockServer, addr := startMockServer(t)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	cpu := device.NewCPUBackend()
	_, err = client.WeightedSmoothL1(context.Background(), []LossBatch{{
		Prediction: cpu.NewTensor(device.Shape{3}, nil),
		Target:     cpu.NewTensor(device.Shape{4}, nil),
	}})
	assert.True(t, errors.Is(err, device.ErrShapeMismatch), "got %v", err)
	assert.Equal(t, int32(0), mockServer.exchanges.Load())
}

func TestFlightClient_Unavailable(t *testing.T) {
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	cpu := device.NewCPUBackend()
	batch := []LossBatch{{
		Prediction: cpu.NewTensor(device.Shape{1}, []float32{1}),
		Target:     cpu.NewTensor(device.Shape{1}, []float32{0}),
	}}

	for i := 0; i < 5; i++ {
		_, err = client.WeightedSmoothL1(context.Background(), batch)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, client.Breaker().State())

	_, err = client.WeightedSmoothL1(context.Background(), batch)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}
