package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/oz-monitor/orchestrator/pkg/chain"
	"github.com/oz-monitor/orchestrator/pkg/model"
)

// Filter turns a block into raw matches for a set of monitors. The production
// deployment plugs a full filtering engine in here; AddressFilter is the
// built-in implementation.
type Filter interface {
	FilterBlock(ctx context.Context, client chain.Client, network model.Network, block model.Block, monitors []model.Monitor, specs map[string]json.RawMessage) ([]model.MonitorMatch, error)
}

// TriggerExecutor dispatches a monitor's triggers for a match. Dispatch is
// best-effort; errors are logged by the caller and never fail processing.
type TriggerExecutor interface {
	Execute(ctx context.Context, triggers []model.Trigger, variables map[string]string, match model.MonitorMatch) error
}

// AddressFilter matches transactions against monitor address lists:
// destination address for EVM transactions, contract ids in operations for
// Stellar. Comparison is case-insensitive.
type AddressFilter struct{}

func (AddressFilter) FilterBlock(_ context.Context, _ chain.Client, network model.Network, block model.Block, monitors []model.Monitor, _ map[string]json.RawMessage) ([]model.MonitorMatch, error) {
	var matches []model.MonitorMatch
	for _, tx := range block.Transactions {
		for i := range monitors {
			if !txTouchesMonitor(network.NetworkType, tx, &monitors[i]) {
				continue
			}
			matches = append(matches, model.MonitorMatch{
				NetworkSlug: network.Slug,
				NetworkType: network.NetworkType,
				BlockHeight: block.Height,
				Transaction: tx,
				MonitorName: monitors[i].Name,
			})
		}
	}
	return matches, nil
}

func txTouchesMonitor(networkType model.NetworkType, tx model.Transaction, m *model.Monitor) bool {
	if networkType == model.NetworkTypeStellar {
		for _, op := range tx.Operations {
			if op.ContractID == "" {
				continue
			}
			for _, addr := range m.Addresses {
				if strings.EqualFold(op.ContractID, addr.Address) {
					return true
				}
			}
		}
		return false
	}

	if tx.To == "" {
		return false
	}
	for _, addr := range m.Addresses {
		if strings.EqualFold(tx.To, addr.Address) {
			return true
		}
	}
	return false
}

// Dispatcher is the built-in trigger executor: webhook triggers POST the
// match as JSON, everything else is logged.
type Dispatcher struct {
	client *http.Client
	logger log.Logger
}

// NewDispatcher creates a dispatcher with a bounded request timeout.
func NewDispatcher(logger log.Logger) *Dispatcher {
	return &Dispatcher{
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

type webhookConfig struct {
	URL string `json:"url"`
}

type webhookPayload struct {
	Trigger   string            `json:"trigger"`
	Variables map[string]string `json:"variables"`
	Match     model.MonitorMatch `json:"match"`
}

func (d *Dispatcher) Execute(ctx context.Context, triggers []model.Trigger, variables map[string]string, match model.MonitorMatch) error {
	for _, trigger := range triggers {
		switch trigger.Type {
		case "webhook":
			if err := d.postWebhook(ctx, trigger, variables, match); err != nil {
				level.Error(d.logger).Log("msg", "webhook dispatch failed", "trigger", trigger.Name, "err", err)
			}
		default:
			level.Info(d.logger).Log(
				"msg", "trigger fired",
				"trigger", trigger.Name,
				"type", trigger.Type,
				"monitor", variables["monitor_name"],
				"network", variables["network"],
				"tx", match.Transaction.Hash,
			)
		}
	}
	return nil
}

func (d *Dispatcher) postWebhook(ctx context.Context, trigger model.Trigger, variables map[string]string, match model.MonitorMatch) error {
	var cfg webhookConfig
	if err := json.Unmarshal(trigger.Configuration, &cfg); err != nil || cfg.URL == "" {
		return fmt.Errorf("trigger %q has no usable webhook url", trigger.Name)
	}

	body, err := json.Marshal(webhookPayload{Trigger: trigger.Name, Variables: variables, Match: match})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
