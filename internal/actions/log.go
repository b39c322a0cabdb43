package actions

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogAction writes a line to the application log. Useful for wiring up and
// debugging automations without side effects.
type LogAction struct {
	logger *logrus.Logger
}

func NewLogAction(logger *logrus.Logger) *LogAction {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogAction{logger: logger}
}

func (a *LogAction) Name() string        { return "log" }
func (a *LogAction) Description() string { return "Log a message" }

func (a *LogAction) ConfigSchema() Schema {
	return Schema{Fields: []Field{
		{Name: "text", Kind: KindString, Description: "Message to log"},
	}}
}

func (a *LogAction) Run(_ context.Context, config map[string]interface{}, rc RunContext) (*Result, error) {
	text, _ := config["text"].(string)
	if text == "" {
		text = "automation triggered"
	}
	a.logger.WithFields(logrus.Fields{
		"automation_id":     rc.AutomationID,
		"automation_run_id": rc.AutomationRunID,
		"action_run_id":     rc.ActionRunID,
		"pub_id":            rc.PubID,
	}).Info(text)
	return Succeeded("Logged message", map[string]interface{}{"text": text}), nil
}
