// Package lambdafn adapts the frontend and the worker to AWS Lambda
// invocation payloads.
package lambdafn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/devghori1264/aerophoenix/serverbot/internal/api"
	"github.com/devghori1264/aerophoenix/serverbot/internal/faults"
	"github.com/devghori1264/aerophoenix/serverbot/internal/frontend"
	"github.com/devghori1264/aerophoenix/serverbot/internal/models"
)

// Frontend serves interactions behind a Lambda function URL.
type Frontend struct {
	interactions api.Interactions
	log          *zap.Logger
}

func NewFrontend(interactions api.Interactions, log *zap.Logger) *Frontend {
	return &Frontend{interactions: interactions, log: log.Named("lambda.frontend")}
}

func (f *Frontend) HandleRequest(ctx context.Context, req events.LambdaFunctionURLRequest) (events.LambdaFunctionURLResponse, error) {
	body := []byte(req.Body)
	if req.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(req.Body)
		if err != nil {
			return respond(http.StatusBadRequest, api.ErrorBody{Error: "invalid body encoding"}), nil
		}
		body = decoded
	}

	var in frontend.Interaction
	if err := json.Unmarshal(body, &in); err != nil {
		return respond(http.StatusBadRequest, api.ErrorBody{Error: "invalid JSON payload"}), nil
	}
	ack, err := f.interactions.Handle(ctx, in)
	if err != nil {
		f.log.Debug("interaction failed", zap.Error(err))
		return respond(api.StatusCode(err), api.ErrorBody{Error: faults.UserMessage(err), Kind: string(faults.KindOf(err))}), nil
	}
	return respond(http.StatusOK, ack), nil
}

// Worker is implemented by *worker.Worker.
type Worker interface {
	HandleCommand(ctx context.Context, body []byte) error
	Reconcile(ctx context.Context, ev *models.Event) error
}

// EventDecoder is implemented by *provisioner.Router.
type EventDecoder interface {
	DecodeEvent(ctx context.Context, ev events.CloudWatchEvent) (*models.Event, error)
}

// Backend receives both SQS command batches and EventBridge lifecycle
// notifications on the same function.
type Backend struct {
	worker  Worker
	decoder EventDecoder
	log     *zap.Logger
}

func NewBackend(worker Worker, decoder EventDecoder, log *zap.Logger) *Backend {
	return &Backend{worker: worker, decoder: decoder, log: log.Named("lambda.backend")}
}

// envelope sniffs which kind of payload arrived.
type envelope struct {
	Records    []json.RawMessage `json:"Records"`
	DetailType string            `json:"detail-type"`
}

func (b *Backend) Handle(ctx context.Context, raw json.RawMessage) (any, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode invocation: %w", err)
	}
	switch {
	case len(env.Records) > 0:
		var batch events.SQSEvent
		if err := json.Unmarshal(raw, &batch); err != nil {
			return nil, fmt.Errorf("decode sqs batch: %w", err)
		}
		return b.HandleSQS(ctx, batch), nil
	case env.DetailType != "":
		var ev events.CloudWatchEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, fmt.Errorf("decode eventbridge event: %w", err)
		}
		return nil, b.HandleEventBridge(ctx, ev)
	default:
		b.log.Warn("ignoring unrecognised invocation")
		return nil, nil
	}
}

// HandleSQS runs every command in the batch and reports the ones that
// should be redelivered as batch item failures.
func (b *Backend) HandleSQS(ctx context.Context, batch events.SQSEvent) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, rec := range batch.Records {
		if err := b.worker.HandleCommand(ctx, []byte(rec.Body)); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp
}

// HandleEventBridge reconciles one compute state-change notification.
// A returned error makes Lambda retry the invocation.
func (b *Backend) HandleEventBridge(ctx context.Context, ev events.CloudWatchEvent) error {
	lev, err := b.decoder.DecodeEvent(ctx, ev)
	if err != nil {
		return err
	}
	if lev == nil {
		b.log.Debug("notification carries no lifecycle change", zap.String("source", ev.Source), zap.String("detail_type", ev.DetailType))
		return nil
	}
	return b.worker.Reconcile(ctx, lev)
}

func respond(status int, v any) events.LambdaFunctionURLResponse {
	body, _ := json.Marshal(v)
	return events.LambdaFunctionURLResponse{
		StatusCode: status,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}
