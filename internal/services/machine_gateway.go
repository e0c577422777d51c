package services

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/dayan73a/Kashless/internal/config"
)

// MachineActivator turns a paid amount into running time on a physical
// machine.
type MachineActivator interface {
	Activate(ctx context.Context, machineID string, minutes int) error
}

// MachineGateway talks to the vending controller fleet over HTTP.
type MachineGateway struct {
	client *resty.Client
	log    zerolog.Logger
}

func NewMachineGateway(cfg config.GatewayConfig, log zerolog.Logger) *MachineGateway {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount)

	return &MachineGateway{
		client: client,
		log:    log.With().Str("component", "machine_gateway").Logger(),
	}
}

type activateRequest struct {
	Command string `json:"command"`
	Minutes int    `json:"minutes"`
}

// Activate sends the vend command. Any non-2xx answer counts as a failed
// activation and the caller compensates the wallet.
func (g *MachineGateway) Activate(ctx context.Context, machineID string, minutes int) error {
	resp, err := g.client.R().
		SetContext(ctx).
		SetBody(activateRequest{
			Command: fmt.Sprintf("TIME:%d", minutes),
			Minutes: minutes,
		}).
		Post(fmt.Sprintf("/machines/%s/activate", machineID))
	if err != nil {
		return fmt.Errorf("activate machine %s: %w", machineID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("activate machine %s: controller returned %s", machineID, resp.Status())
	}

	g.log.Info().
		Str("machine_id", machineID).
		Int("minutes", minutes).
		Msg("machine activated")
	return nil
}
