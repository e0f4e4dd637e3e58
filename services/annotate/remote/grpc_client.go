// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/chessbeast/services/annotate/eval"
	"github.com/AleutianAI/chessbeast/services/annotate/resilience"
)

// Conn is a gRPC connection to one analysis service.
//
// Thread Safety: safe for concurrent use.
type Conn struct {
	service string
	conn    grpc.ClientConnInterface
	closer  func() error
}

// Dial opens a lazy connection to target. No I/O happens until the
// first call.
//
// Inputs:
//
//	service - Dependency name used in errors.
//	target - host:port of the service.
//	opts - Extra dial options; insecure transport is used when none set
//	       transport credentials.
func Dial(service, target string, opts ...grpc.DialOption) (*Conn, error) {
	if target == "" {
		return nil, fmt.Errorf("dial %s: empty target", service)
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	cc, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s at %s: %w", service, target, err)
	}
	return &Conn{service: service, conn: cc, closer: cc.Close}, nil
}

// NewConn wraps an existing connection. Close is then the caller's job.
func NewConn(service string, cc grpc.ClientConnInterface) *Conn {
	return &Conn{service: service, conn: cc}
}

// Service returns the dependency name.
func (c *Conn) Service() string { return c.service }

// Close closes the connection if Dial opened it.
func (c *Conn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Conn) invoke(ctx context.Context, method string, req, resp any) error {
	err := c.conn.Invoke(ctx, method, req, resp, grpc.ForceCodec(jsonCodec{}))
	return resilience.Classify(c.service, err)
}

func (c *Conn) health(ctx context.Context, method string) (Health, error) {
	var resp healthResponse
	if err := c.invoke(ctx, method, healthRequest{}, &resp); err != nil {
		return Health{Service: c.service, Error: err.Error()}, err
	}
	return Health{Service: c.service, Healthy: resp.Healthy, Version: resp.Version}, nil
}

// StockfishClient evaluates positions on the Stockfish service.
type StockfishClient struct{ conn *Conn }

// NewStockfishClient returns an Evaluator backed by conn.
func NewStockfishClient(conn *Conn) *StockfishClient { return &StockfishClient{conn: conn} }

// Evaluate implements Evaluator.
func (c *StockfishClient) Evaluate(ctx context.Context, req EvaluateRequest) (eval.Result, error) {
	if strings.TrimSpace(req.FEN) == "" {
		return eval.Result{}, resilience.NewServiceError(c.conn.service, resilience.ErrInvalidArgument, "empty fen")
	}
	var resp evaluateResponse
	if err := c.conn.invoke(ctx, methodEvaluate, req, &resp); err != nil {
		return eval.Result{}, err
	}
	return resp.toResult(c.conn.service), nil
}

// HealthCheck implements HealthChecker.
func (c *StockfishClient) HealthCheck(ctx context.Context) (Health, error) {
	return c.conn.health(ctx, methodStockfishHealth)
}

// MaiaClient queries the human-likelihood model.
type MaiaClient struct{ conn *Conn }

// NewMaiaClient returns a HumanPredictor backed by conn.
func NewMaiaClient(conn *Conn) *MaiaClient { return &MaiaClient{conn: conn} }

// PredictMoves implements HumanPredictor.
func (c *MaiaClient) PredictMoves(ctx context.Context, fen string, ratingBand int) (eval.HumanPrediction, error) {
	if ratingBand <= 0 {
		return eval.HumanPrediction{}, resilience.NewServiceError(c.conn.service, resilience.ErrInvalidArgument, "rating band %d", ratingBand)
	}
	var resp predictResponse
	if err := c.conn.invoke(ctx, methodPredictMoves, predictRequest{FEN: fen, RatingBand: ratingBand}, &resp); err != nil {
		return eval.HumanPrediction{}, err
	}
	return eval.HumanPrediction{RatingBand: ratingBand, Moves: resp.Predictions}, nil
}

// EstimateRating implements HumanPredictor.
func (c *MaiaClient) EstimateRating(ctx context.Context, moves []PlayedMove) (eval.RatingEstimate, error) {
	if len(moves) == 0 {
		return eval.RatingEstimate{}, resilience.NewServiceError(c.conn.service, resilience.ErrInvalidArgument, "no moves")
	}
	var resp eval.RatingEstimate
	if err := c.conn.invoke(ctx, methodEstimateRating, estimateRatingRequest{Moves: moves}, &resp); err != nil {
		return eval.RatingEstimate{}, err
	}
	return resp, nil
}

// HealthCheck implements HealthChecker.
func (c *MaiaClient) HealthCheck(ctx context.Context) (Health, error) {
	return c.conn.health(ctx, methodMaiaHealth)
}

// ClassicalClient queries the classical evaluation breakdown service.
type ClassicalClient struct{ conn *Conn }

// NewClassicalClient returns a ClassicalEvaluator backed by conn.
func NewClassicalClient(conn *Conn) *ClassicalClient { return &ClassicalClient{conn: conn} }

// ClassicalEval implements ClassicalEvaluator.
func (c *ClassicalClient) ClassicalEval(ctx context.Context, fen string) (eval.Classical, error) {
	var resp classicalResponse
	if err := c.conn.invoke(ctx, methodClassicalEval, fenRequest{FEN: fen}, &resp); err != nil {
		return eval.Classical{}, err
	}
	return resp.toClassical(fen), nil
}

// HealthCheck implements HealthChecker.
func (c *ClassicalClient) HealthCheck(ctx context.Context) (Health, error) {
	return c.conn.health(ctx, methodSF16Health)
}
