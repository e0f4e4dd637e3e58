// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/position"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

// fakeService answers JSON-coded gRPC calls by full method name.
type fakeService struct {
	mu       sync.Mutex
	requests map[string]map[string]any
	handlers map[string]func(req map[string]any) (any, error)
}

func (f *fakeService) handle(_ any, stream grpc.ServerStream) error {
	method, _ := grpc.MethodFromServerStream(stream)
	var req map[string]any
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	f.mu.Lock()
	f.requests[method] = req
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		return status.Error(codes.Unimplemented, method)
	}
	resp, err := h(req)
	if err != nil {
		return err
	}
	return stream.SendMsg(resp)
}

func (f *fakeService) request(method string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method]
}

func startFake(t *testing.T, service string, handlers map[string]func(map[string]any) (any, error)) (*Conn, *fakeService) {
	t.Helper()
	fake := &fakeService{requests: make(map[string]map[string]any), handlers: handlers}
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.ForceServerCodec(jsonCodec{}), grpc.UnknownServiceHandler(fake.handle))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := Dial(service, "passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn, fake
}

func TestStockfishClient_Evaluate(t *testing.T) {
	conn, fake := startFake(t, ServiceStockfish, map[string]func(map[string]any) (any, error){
		methodEvaluate: func(map[string]any) (any, error) {
			return evaluateResponse{
				Cp:       34,
				Depth:    18,
				BestLine: []string{"e2e4", "e7e5"},
				Alternatives: []evaluateResponse{
					{Cp: 28, Depth: 18, BestLine: []string{"d2d4"}},
					{Mate: -4, Depth: 18, BestLine: []string{"f2f3"}},
				},
			}, nil
		},
	})
	client := NewStockfishClient(conn)

	res, err := client.Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN, Depth: 18, MultiPV: 3})
	require.NoError(t, err)
	assert.Equal(t, eval.CP(34), res.Score)
	assert.Equal(t, 18, res.Depth)
	assert.Equal(t, "e2e4", res.BestMove())
	require.Len(t, res.Lines, 3)
	assert.Equal(t, eval.MateIn(-4), res.Lines[2].Score)
	assert.Equal(t, ServiceStockfish, res.Source)

	req := fake.request(methodEvaluate)
	assert.Equal(t, position.StartFEN, req["fen"])
	assert.EqualValues(t, 18, req["depth"])
	assert.EqualValues(t, 3, req["multipv"])
}

func TestStockfishClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		code codes.Code
		want error
	}{
		{codes.InvalidArgument, resilience.ErrInvalidArgument},
		{codes.ResourceExhausted, resilience.ErrRateLimited},
		{codes.Unavailable, resilience.ErrServiceUnavailable},
		{codes.DeadlineExceeded, resilience.ErrTimeout},
		{codes.Internal, resilience.ErrServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.code.String(), func(t *testing.T) {
			conn, _ := startFake(t, ServiceStockfish, map[string]func(map[string]any) (any, error){
				methodEvaluate: func(map[string]any) (any, error) {
					return nil, status.Error(tt.code, "engine says no")
				},
			})
			_, err := NewStockfishClient(conn).Evaluate(context.Background(), EvaluateRequest{FEN: position.StartFEN})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestStockfishClient_EmptyFEN(t *testing.T) {
	conn, fake := startFake(t, ServiceStockfish, nil)
	_, err := NewStockfishClient(conn).Evaluate(context.Background(), EvaluateRequest{})
	assert.ErrorIs(t, err, resilience.ErrInvalidArgument)
	assert.Nil(t, fake.request(methodEvaluate), "invalid request must not reach the service")
}

func TestMaiaClient(t *testing.T) {
	conn, fake := startFake(t, ServiceMaia, map[string]func(map[string]any) (any, error){
		methodPredictMoves: func(map[string]any) (any, error) {
			return predictResponse{Predictions: []eval.MoveProbability{
				{Move: "e2e4", Probability: 0.45},
				{Move: "d2d4", Probability: 0.35},
			}}, nil
		},
		methodEstimateRating: func(map[string]any) (any, error) {
			return eval.RatingEstimate{Rating: 1650, ConfidenceLow: 1500, ConfidenceHigh: 1800}, nil
		},
		methodMaiaHealth: func(map[string]any) (any, error) {
			return healthResponse{Healthy: true, LoadedModels: []int{1}}, nil
		},
	})
	client := NewMaiaClient(conn)
	ctx := context.Background()

	pred, err := client.PredictMoves(ctx, position.StartFEN, 1500)
	require.NoError(t, err)
	assert.Equal(t, 1500, pred.RatingBand)
	assert.InDelta(t, 0.35, pred.Probability("d2d4"), 1e-9)
	assert.EqualValues(t, 1500, fake.request(methodPredictMoves)["rating_band"])

	est, err := client.EstimateRating(ctx, []PlayedMove{{FEN: position.StartFEN, Move: "e2e4"}})
	require.NoError(t, err)
	assert.Equal(t, 1650, est.Rating)

	_, err = client.EstimateRating(ctx, nil)
	assert.ErrorIs(t, err, resilience.ErrInvalidArgument)
	_, err = client.PredictMoves(ctx, position.StartFEN, 0)
	assert.ErrorIs(t, err, resilience.ErrInvalidArgument)

	h, err := client.HealthCheck(ctx)
	require.NoError(t, err)
	assert.True(t, h.Healthy)
	assert.Equal(t, ServiceMaia, h.Service)
}

func TestClassicalClient_PerspectiveFlip(t *testing.T) {
	conn, _ := startFake(t, ServiceStockfish16, map[string]func(map[string]any) (any, error){
		methodClassicalEval: func(map[string]any) (any, error) {
			return classicalResponse{
				Mobility:   sideBreakdown{Total: phaseScore{MG: 0.30, EG: 0.50}},
				KingSafety: sideBreakdown{Total: phaseScore{MG: -0.20, EG: 0}},
				Total:      sideBreakdown{Total: phaseScore{MG: 0.60, EG: 0.40}},
			}, nil
		},
	})
	client := NewClassicalClient(conn)

	white, err := client.ClassicalEval(context.Background(), position.StartFEN)
	require.NoError(t, err)
	assert.Equal(t, 40, white.Mobility)
	assert.Equal(t, -10, white.KingSafety)
	assert.Equal(t, 50, white.Total)

	black, err := client.ClassicalEval(context.Background(), "rnbqkbnr/pppppppp/8/8/4P3/8/PPPP1PPP/RNBQKBNR b KQkq - 0 1")
	require.NoError(t, err)
	assert.Equal(t, -40, black.Mobility)
	assert.Equal(t, 10, black.KingSafety)
}

func TestConn_UnimplementedHealth(t *testing.T) {
	conn, _ := startFake(t, ServiceStockfish16, nil)
	h, err := NewClassicalClient(conn).HealthCheck(context.Background())
	assert.ErrorIs(t, err, resilience.ErrUnsupported)
	assert.False(t, h.Healthy)
	assert.NotEmpty(t, h.Error)
}

func TestDial_EmptyTarget(t *testing.T) {
	_, err := Dial(ServiceMaia, "")
	assert.Error(t, err)
}
