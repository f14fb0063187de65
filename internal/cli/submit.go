package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kairon-os/kairon/internal/config"
	"github.com/kairon-os/kairon/internal/ingress"
	"github.com/kairon-os/kairon/internal/ledger"
	"github.com/kairon-os/kairon/internal/pipeline"
)

var (
	submitType    string
	submitSource  string
	submitKey     string
	submitPayload string
	submitThread  string
	submitAuthor  string
	submitKafka   bool
)

var submitCmd = &cobra.Command{
	Use:   "submit [text]",
	Short: "Submit an event and run the pipeline on it",
	Long: `Submit an event. With a text argument a message event is built; otherwise
--payload carries the JSON payload of an event of --type.

By default the pipeline runs in this process and the run summary is printed.
With --kafka the envelope is written to the configured ingress topic instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().StringVarP(&submitType, "type", "t", ledger.EventMessage, "event type")
	submitCmd.Flags().StringVar(&submitSource, "source", "cli", "event source")
	submitCmd.Flags().StringVarP(&submitKey, "key", "k", "", "idempotency key (derived from the payload when empty)")
	submitCmd.Flags().StringVarP(&submitPayload, "payload", "p", "", "JSON payload")
	submitCmd.Flags().StringVar(&submitThread, "thread", "", "thread id for message events")
	submitCmd.Flags().StringVar(&submitAuthor, "author", "", "author id for message events (default $USER)")
	submitCmd.Flags().BoolVar(&submitKafka, "kafka", false, "publish to the Kafka ingress topic")
}

// buildEnvelope turns submit arguments into an envelope. Text becomes a
// message payload with a fresh message id.
func buildEnvelope(eventType, source, key, payload, text, thread, author string) (ingress.Envelope, error) {
	env := ingress.Envelope{EventType: eventType, Source: source, IdempotencyKey: key}
	switch {
	case text != "" && payload != "":
		return env, fmt.Errorf("%w: give either text or --payload", ledger.ErrValidation)
	case text != "":
		if eventType != ledger.EventMessage {
			return env, fmt.Errorf("%w: text is only accepted for %s events", ledger.ErrValidation, ledger.EventMessage)
		}
		raw, err := json.Marshal(pipeline.MessagePayload{
			Content:   text,
			MessageID: uuid.NewString(),
			ThreadID:  thread,
			Author:    pipeline.Author{ID: author},
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
		if err != nil {
			return env, err
		}
		env.Payload = raw
	case payload != "":
		env.Payload = json.RawMessage(payload)
	default:
		return env, fmt.Errorf("%w: nothing to submit", ledger.ErrValidation)
	}
	return env, nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	var text string
	if len(args) == 1 {
		text = args[0]
	}
	author := submitAuthor
	if author == "" {
		author = os.Getenv("USER")
	}
	env, err := buildEnvelope(strings.TrimSpace(submitType), submitSource, submitKey, submitPayload, text, submitThread, author)
	if err != nil {
		return err
	}
	sub, err := env.Submission(submitSource)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if submitKafka {
		if cfg.Ingress.Kafka.Brokers == "" {
			return fmt.Errorf("no Kafka brokers configured (ingress.kafka.brokers)")
		}
		pub := ingress.NewKafkaPublisher(cfg.Ingress.Kafka.Brokers, cfg.Ingress.Kafka.Topic)
		defer pub.Close()
		if err := pub.Submit(ctx, sub); err != nil {
			return err
		}
		fmt.Printf("Published %s %s to %s\n", sub.EventType, sub.IdempotencyKey, cfg.Ingress.Kafka.Topic)
		return nil
	}

	svc, err := openLedger(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	tasks := newInlineTasks(cfg.Model.Timeout * 2)
	p, err := newPipeline(cfg, svc, tasks)
	if err != nil {
		return err
	}
	res, runErr := p.Handle(ctx, sub)
	if res.EventID != "" {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	}
	if runErr != nil {
		return runErr
	}
	if len(tasks.errs) > 0 {
		return fmt.Errorf("%d follow-up task(s) failed: %w", len(tasks.errs), tasks.errs[0])
	}
	return nil
}
