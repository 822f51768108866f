package oracle

import (
	"context"
	"fmt"
	"strings"
)

// Candidate is one entity offered to the oracle.
type Candidate struct {
	Key    string `json:"key"`
	Text   string `json:"text"`
	Sample string `json:"sample,omitempty"`
}

// Request asks whether Subject is one of Candidates.
type Request struct {
	Subject    string      `json:"subject"`
	EntityType string      `json:"entity_type"`
	Sample     string      `json:"sample,omitempty"`
	Candidates []Candidate `json:"candidates"`
}

// Oracle answers one request.
type Oracle interface {
	Verify(ctx context.Context, req Request) (Verdict, error)
}

// BatchOracle answers several requests in one round trip. The result has
// one Verdict per request, in order.
type BatchOracle interface {
	VerifyBatch(ctx context.Context, reqs []Request) ([]Verdict, error)
}

// Func adapts a function to Oracle.
type Func func(ctx context.Context, req Request) (Verdict, error)

// Verify calls f.
func (f Func) Verify(ctx context.Context, req Request) (Verdict, error) {
	return f(ctx, req)
}

// Batcher answers a batch by calling Oracle once per request. It stops at
// the first error.
type Batcher struct {
	Oracle Oracle
}

// VerifyBatch implements BatchOracle.
func (b Batcher) VerifyBatch(ctx context.Context, reqs []Request) ([]Verdict, error) {
	out := make([]Verdict, 0, len(reqs))
	for i, req := range reqs {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		v, err := b.Oracle.Verify(ctx, req)
		if err != nil {
			return out, fmt.Errorf("verify request %d: %w", i, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Prompt renders req as the question sent to a text oracle.
func Prompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Is the %s %q the same entity as one of the candidates below?\n", req.EntityType, req.Subject)
	if req.Sample != "" {
		fmt.Fprintf(&b, "Context: %s\n", req.Sample)
	}
	for i, c := range req.Candidates {
		fmt.Fprintf(&b, "%d. %s", i+1, c.Text)
		if c.Sample != "" {
			fmt.Fprintf(&b, " (%s)", c.Sample)
		}
		b.WriteByte('\n')
	}
	b.WriteString("Answer with the candidate number only, or NEW if none match.")
	return b.String()
}
