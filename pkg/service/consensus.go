package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/aeolus87/moniqo-be-sub000/pkg/models"
	"github.com/aeolus87/moniqo-be-sub000/pkg/storage"
)

// ConsensusAggregator fans out analysis to N independent analysts and
// reduces their votes to one action via weighted majority. This is the only
// point of parallelism inside a pipeline run.
type ConsensusAggregator struct {
	analyst AnalystAgent
	store   storage.Store
	logger  Logger
}

func NewConsensusAggregator(analyst AnalystAgent, store storage.Store, logger Logger) *ConsensusAggregator {
	return &ConsensusAggregator{analyst: analyst, store: store, logger: logger}
}

// Aggregate runs the analysts for the task and reduces their opinions. Any
// analyst failure is fatal for the execution; partial swarms would skew the
// vote. Every opinion and the reduced consensus are persisted as agent
// decisions for audit.
func (ca *ConsensusAggregator) Aggregate(ctx context.Context, task models.Task, executionID string, mctx models.MarketContext) (models.Consensus, error) {
	roles := task.Config.Consensus.Roles
	if len(roles) == 0 {
		roles = []string{"analyst"}
	}
	if task.Mode == models.SoloTaskMode {
		roles = roles[:1]
	}

	opinions := make([]models.Opinion, len(roles))
	errs := make([]error, len(roles))
	var wg sync.WaitGroup
	for i, role := range roles {
		wg.Add(1)
		go func(i int, role string) {
			defer wg.Done()
			op, err := ca.analyst.Analyze(ctx, role, mctx)
			if err != nil {
				errs[i] = errors.Wrapf(err, "analyst %s", role)
				return
			}
			op.Role = role
			opinions[i] = op
		}(i, role)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return models.Consensus{}, err
		}
	}

	for _, op := range opinions {
		ca.recordDecision(executionID, op.Role, op.Action, op.Confidence, op.Reasoning, nil)
	}

	consensus := reduce(opinions, task.Config.Consensus)
	ca.recordDecision(executionID, "consensus", consensus.Action, consensus.Confidence, consensus.Reasoning, &consensus)
	ca.logger.Infof("Consensus for task %s: %s (confidence %.2f, agreement %d%%, unanimous %t)",
		task.ID, consensus.Action, consensus.Confidence, consensus.Agreement, consensus.Unanimous)
	return consensus, nil
}

// reduce implements the weighted-majority vote. Weight of a member is
// roleWeight x confidence; the winning action has the highest vote count,
// ties broken by the highest summed weight.
func reduce(opinions []models.Opinion, cfg models.ConsensusConfig) models.Consensus {
	if len(opinions) == 1 {
		op := opinions[0]
		return models.Consensus{
			Action:     op.Action,
			Confidence: op.Confidence,
			Reasoning:  op.Reasoning,
			Agreement:  100,
			Unanimous:  true,
			Members:    opinions,
			StopLoss:   op.StopLoss,
			TakeProfit: op.TakeProfit,
		}
	}

	counts := make(map[models.TradeAction]int)
	weights := make(map[models.TradeAction]float64)
	var totalWeight float64
	for _, op := range opinions {
		w := cfg.RoleWeight(op.Role) * op.Confidence
		counts[op.Action]++
		weights[op.Action] += w
		totalWeight += w
	}

	winner := models.HoldAction
	bestCount := -1
	for _, action := range []models.TradeAction{models.BuyAction, models.SellAction, models.HoldAction} {
		c, ok := counts[action]
		if !ok {
			continue
		}
		if c > bestCount || (c == bestCount && weights[action] > weights[winner]) {
			winner = action
			bestCount = c
		}
	}

	confidence := 0.0
	if totalWeight > 0 {
		confidence = weights[winner] / totalWeight
	}
	agreement := counts[winner] * 100 / len(opinions)
	unanimous := counts[winner] == len(opinions)

	result := models.Consensus{
		Action:     winner,
		Confidence: confidence,
		Agreement:  agreement,
		Unanimous:  unanimous,
		Members:    opinions,
		Reasoning:  joinReasonings(opinions, winner),
	}

	// A narrow plurality must not trigger a trade.
	minAgreement := cfg.MinAgreement
	if minAgreement <= 0 {
		minAgreement = 50
	}
	if agreement < minAgreement {
		result.Action = models.HoldAction
		result.Reasoning = fmt.Sprintf("agreement %d%% below threshold %d%%, holding", agreement, minAgreement)
		return result
	}

	// Carry the first winning member's stop levels, if any.
	for _, op := range opinions {
		if op.Action == winner && op.StopLoss > 0 {
			result.StopLoss = op.StopLoss
			result.TakeProfit = op.TakeProfit
			break
		}
	}
	return result
}

func joinReasonings(opinions []models.Opinion, winner models.TradeAction) string {
	out := ""
	for _, op := range opinions {
		if op.Action != winner || op.Reasoning == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += fmt.Sprintf("[%s] %s", op.Role, op.Reasoning)
	}
	return out
}

func (ca *ConsensusAggregator) recordDecision(executionID, role string, action models.TradeAction, confidence float64, reasoning string, data *models.Consensus) {
	dec := models.AgentDecision{
		ExecutionID: executionID,
		Role:        role,
		Action:      action,
		Confidence:  confidence,
		Reasoning:   reasoning,
	}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			dec.Data = string(b)
		}
	}
	if err := ca.store.SaveAgentDecision(dec); err != nil {
		// The audit trail is best effort; the vote already happened.
		ca.logger.Errorf("Failed to record agent decision for execution %s: %v", executionID, err)
	}
}
