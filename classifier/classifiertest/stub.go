// Package classifiertest provides a scriptable Classifier for tests.
package classifiertest

import (
	"context"

	"hostelfund/classifier"
)

// Stub returns canned results or delegates to per-operation funcs.
type Stub struct {
	ExtractFn  func(ctx context.Context, in classifier.ExtractInput) (classifier.ExtractResult, error)
	ClassifyFn func(ctx context.Context, in classifier.ReplyInput) (classifier.ReplyResult, error)

	ExtractResult classifier.ExtractResult
	ReplyResult   classifier.ReplyResult
	Err           error

	ExtractCalls []classifier.ExtractInput
	ReplyCalls   []classifier.ReplyInput
}

func (s *Stub) ExtractReceipt(ctx context.Context, in classifier.ExtractInput) (classifier.ExtractResult, error) {
	s.ExtractCalls = append(s.ExtractCalls, in)
	if s.ExtractFn != nil {
		return s.ExtractFn(ctx, in)
	}
	if s.Err != nil {
		return classifier.ExtractResult{}, s.Err
	}
	return s.ExtractResult, nil
}

func (s *Stub) ClassifyReply(ctx context.Context, in classifier.ReplyInput) (classifier.ReplyResult, error) {
	s.ReplyCalls = append(s.ReplyCalls, in)
	if s.ClassifyFn != nil {
		return s.ClassifyFn(ctx, in)
	}
	if s.Err != nil {
		return classifier.ReplyResult{}, s.Err
	}
	return s.ReplyResult, nil
}

var _ classifier.Classifier = (*Stub)(nil)
