// Package enrich produces the derived artifacts bolted onto a base document:
// the multimodal embedding and the thumbnail/preview objects.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"github.com/civilnas/indexer/engine/domain"
	"github.com/civilnas/indexer/pkg/resilience"
)

// embedTimeout bounds one embedding invocation.
const embedTimeout = 30 * time.Second

// lambdaAPI is the slice of the Lambda client the embedder uses.
type lambdaAPI interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// Embedder invokes the remote embedding function with an object URL and
// returns a fixed-length vector.
type Embedder struct {
	client    lambdaAPI
	function  string
	dimension int
	breaker   *resilience.Breaker
	log       *slog.Logger
}

// NewEmbedder creates an Embedder for the named function. dimension is the
// length every returned vector must have.
func NewEmbedder(client *lambda.Client, function string, dimension int, log *slog.Logger) *Embedder {
	return newEmbedder(client, function, dimension, log)
}

func newEmbedder(client lambdaAPI, function string, dimension int, log *slog.Logger) *Embedder {
	if log == nil {
		log = slog.Default()
	}
	return &Embedder{
		client:    client,
		function:  function,
		dimension: dimension,
		breaker:   resilience.NewBreaker(resilience.DefaultBreakerOpts),
		log:       log,
	}
}

// Dimension returns the expected vector length.
func (e *Embedder) Dimension() int { return e.dimension }

type embedRequest struct {
	ImageURL string `json:"imageUrl"`
	UseCache bool   `json:"useCache"`
}

type embedResponse struct {
	Embedding     []float32 `json:"embedding"`
	Dimension     int       `json:"dimension"`
	Cached        bool      `json:"cached"`
	InferenceTime float64   `json:"inferenceTime"`
}

// Embed returns the vector for the image at imageURL. Any failure (remote
// error, wrong dimension) is returned to the caller, who proceeds without
// the vector; the document is still indexed.
func (e *Embedder) Embed(ctx context.Context, imageURL string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{ImageURL: imageURL, UseCache: true})
	if err != nil {
		return nil, fmt.Errorf("enrich: marshal embed request: %w", err)
	}

	var resp embedResponse
	err = e.breaker.Call(ctx, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, embedTimeout)
		defer cancel()
		out, err := e.client.Invoke(ctx, &lambda.InvokeInput{
			FunctionName: aws.String(e.function),
			Payload:      payload,
		})
		if err != nil {
			return fmt.Errorf("%w: embedding invoke: %v", domain.ErrNetwork, err)
		}
		if out.FunctionError != nil {
			return fmt.Errorf("%w: embedding function: %s", domain.ErrProcessingFailure, aws.ToString(out.FunctionError))
		}
		if err := json.Unmarshal(out.Payload, &resp); err != nil {
			return fmt.Errorf("%w: embedding payload: %v", domain.ErrProcessingFailure, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Embedding) != e.dimension {
		return nil, fmt.Errorf("%w: embedding length %d, want %d",
			domain.ErrProcessingFailure, len(resp.Embedding), e.dimension)
	}
	e.log.Debug("embedding generated",
		"url", imageURL, "cached", resp.Cached, "inference_seconds", resp.InferenceTime)
	return resp.Embedding, nil
}
