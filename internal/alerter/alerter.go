package alerter

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"GateLens/internal/config"
	"GateLens/internal/model"
	"GateLens/internal/realtime"
)

// ActiveFunc reports the number of live connections for a backend.
type ActiveFunc func(backendID string) int

// Alerter periodically evaluates threshold rules against each backend's
// realtime traffic and sends a consolidated notification when any trigger.
type Alerter struct {
	overlay       *realtime.Overlay
	active        ActiveFunc
	rules         []config.AlerterRule
	notifier      model.Notifier
	checkInterval time.Duration
	stopChan      chan struct{}
	wg            sync.WaitGroup
}

// NewAlerter creates a new Alerter instance.
func NewAlerter(cfg *config.AlerterConfig, overlay *realtime.Overlay, active ActiveFunc, notifier model.Notifier) *Alerter {
	return &Alerter{
		overlay:       overlay,
		active:        active,
		rules:         cfg.Rules,
		notifier:      notifier,
		checkInterval: config.Duration(cfg.Interval, 5*time.Minute),
		stopChan:      make(chan struct{}),
	}
}

// Start begins the periodic evaluation of alert rules.
func (a *Alerter) Start() {
	log.Println("Alerter started")

	a.wg.Add(1)
	defer a.wg.Done()

	ticker := time.NewTicker(a.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.evaluate()
		case <-a.stopChan:
			return
		}
	}
}

// Stop gracefully stops the alerter's evaluation loop.
func (a *Alerter) Stop() {
	log.Println("Stopping Alerter...")
	close(a.stopChan)
	a.wg.Wait()
}

func (a *Alerter) evaluate() {
	var triggered []string

	for _, rule := range a.rules {
		value, unit := a.metricValue(rule)
		if !check(value, rule.Threshold, rule.Operator) {
			continue
		}
		triggered = append(triggered, fmt.Sprintf("<h3>Alert: %s</h3>"+
			"<ul>"+
			"<li><b>Backend:</b> <code>%s</code></li>"+
			"<li><b>Metric:</b> <code>%s</code></li>"+
			"<li><b>Condition:</b> <code>%s %.2f</code></li>"+
			"<li><b>Observed Value:</b> <code>%.0f %s</code></li>"+
			"</ul>",
			rule.Name, rule.BackendID, rule.Metric, rule.Operator, rule.Threshold, value, unit))
	}

	if len(triggered) == 0 {
		return
	}

	log.Printf("Alerter evaluation completed. %d alert(s) triggered.", len(triggered))

	body := "<h1>GateLens Alert Summary</h1>" +
		"<p>The following alerts were triggered during the last check:</p><hr>" +
		strings.Join(triggered, "<hr>")

	if a.notifier != nil {
		subject := fmt.Sprintf("GateLens Alert Summary (%d Triggered)", len(triggered))
		if err := a.notifier.Send(subject, body); err != nil {
			log.Printf("ERROR: Failed to send consolidated alert notification: %v", err)
		}
	}
}

func (a *Alerter) metricValue(rule config.AlerterRule) (float64, string) {
	switch rule.Metric {
	case "total_upload":
		return float64(a.overlay.TodayDelta(rule.BackendID).Upload), "bytes"
	case "total_download":
		return float64(a.overlay.TodayDelta(rule.BackendID).Download), "bytes"
	case "connections":
		if a.active == nil {
			return 0, "connections"
		}
		return float64(a.active(rule.BackendID)), "connections"
	default:
		log.Printf("Warning: unknown metric '%s' in alerter rule '%s'", rule.Metric, rule.Name)
		return 0, ""
	}
}

// check compares a value against a threshold based on an operator.
func check(value, threshold float64, operator string) bool {
	switch operator {
	case ">":
		return value > threshold
	case "<":
		return value < threshold
	case "=":
		return value == threshold
	case ">=":
		return value >= threshold
	case "<=":
		return value <= threshold
	default:
		log.Printf("Warning: unknown operator '%s' in alerter rule", operator)
		return false
	}
}
