// Package detect evaluates Sigma rules against ingested node log
// records and feeds matches back into the log store as notices.
package detect

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	sigma "github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"tezrec/types"
)

const defaultQueueLen = 10000

// NoticeSection marks records the engine produced. Records carrying
// it are never re-evaluated, so a match cannot trigger itself.
const NoticeSection = "sigma"

// Engine holds the loaded rule set and the evaluation queue. Rules
// are hot-reloaded when files under the rules directory change.
type Engine struct {
	log      *logrus.Entry
	rulesDir string
	watcher  *fsnotify.Watcher
	sink     func(node string, rec *types.LogRecord)

	mu         sync.RWMutex
	evaluators map[string]*evaluator.RuleEvaluator

	queue   chan *types.LogRecord
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewEngine loads all rules under rulesDir and starts the evaluation
// worker. Matches are delivered through sink as notice records.
func NewEngine(rulesDir string, queueLen int, sink func(node string, rec *types.LogRecord), log *logrus.Logger) (*Engine, error) {
	if queueLen <= 0 {
		queueLen = defaultQueueLen
	}
	if _, err := os.Stat(rulesDir); err != nil {
		return nil, fmt.Errorf("sigma rules directory %q: %w", rulesDir, err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rule watcher: %w", err)
	}

	e := &Engine{
		log:        log.WithField("component", "detect"),
		rulesDir:   rulesDir,
		watcher:    watcher,
		sink:       sink,
		evaluators: make(map[string]*evaluator.RuleEvaluator),
		queue:      make(chan *types.LogRecord, queueLen),
	}
	if err := e.loadAllRules(); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if err := e.watchRulesDir(); err != nil {
		watcher.Close()
		return nil, err
	}

	e.running.Store(true)
	e.wg.Add(1)
	go e.worker()
	e.log.WithField("rules", e.RuleCount()).Info("sigma engine up")
	return e, nil
}

// RuleCount reports the number of loaded rules.
func (e *Engine) RuleCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.evaluators)
}

// Observe queues one log record for evaluation. A full queue drops
// the record; ingest is never blocked on detection.
func (e *Engine) Observe(rec *types.LogRecord) {
	if !e.running.Load() || rec.Section == NoticeSection {
		return
	}
	select {
	case e.queue <- rec:
	default:
		sigmaDrops.Inc()
	}
}

// Close stops the worker and the rule watcher.
func (e *Engine) Close() error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	close(e.queue)
	e.wg.Wait()
	return e.watcher.Close()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for rec := range e.queue {
		e.evaluate(rec)
	}
}

func (e *Engine) evaluate(rec *types.LogRecord) {
	data := map[string]interface{}{
		"Message":  rec.Message,
		"Section":  rec.Section,
		"Level":    rec.Level.String(),
		"NodeName": rec.NodeName,
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ev := range e.evaluators {
		result, err := ev.Matches(context.Background(), data)
		if err != nil {
			e.log.WithError(err).WithField("rule", ev.Rule.ID).Warn("rule evaluation failed")
			continue
		}
		if !result.Match {
			continue
		}
		sigmaMatches.WithLabelValues(ev.Rule.Title).Inc()
		e.log.WithFields(logrus.Fields{
			"rule": ev.Rule.Title,
			"node": rec.NodeName,
		}).Info("sigma rule matched")
		e.sink(rec.NodeName, &types.LogRecord{
			Level:     types.LevelNotice,
			Timestamp: time.Now(),
			Section:   NoticeSection,
			Message: fmt.Sprintf("%s: %s (log %d: %s)",
				ev.Rule.Title, matchDetails(ev.Rule, result.SearchResults), rec.ID, rec.Message),
		})
	}
}

func (e *Engine) loadAllRules() error {
	return filepath.Walk(e.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext != ".yml" && ext != ".yaml" {
			return nil
		}
		return e.loadRuleFile(path)
	})
}

func (e *Engine) loadRuleFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rule %s: %w", path, err)
	}
	if sigma.InferFileType(content) != sigma.RuleFile {
		e.log.WithField("path", path).Debug("ignoring non-rule file")
		return nil
	}
	rule, err := sigma.ParseRule(content)
	if err != nil {
		return fmt.Errorf("parse rule %s: %w", path, err)
	}
	if !isNodeLogRule(rule) {
		e.log.WithField("rule", rule.Title).Debug("ignoring out-of-scope rule")
		return nil
	}

	ev := evaluator.ForRule(rule,
		evaluator.WithConfig(fieldMappings()),
		evaluator.WithPlaceholderExpander(func(ctx context.Context, name string) ([]string, error) {
			return nil, nil
		}),
	)
	e.mu.Lock()
	e.evaluators[path] = ev
	e.mu.Unlock()
	e.log.WithFields(logrus.Fields{"rule": rule.Title, "path": path}).Info("rule loaded")
	return nil
}

// isNodeLogRule filters the rule set down to what this event stream
// can answer. Windows rules never apply.
func isNodeLogRule(rule sigma.Rule) bool {
	if rule.Logsource.Product == "windows" {
		return false
	}
	return true
}

func fieldMappings() sigma.Config {
	return sigma.Config{
		Title: "Tezos node log mappings",
		FieldMappings: map[string]sigma.FieldMapping{
			"Message":  {TargetNames: []string{"Message"}},
			"Section":  {TargetNames: []string{"Section"}},
			"Level":    {TargetNames: []string{"Level"}},
			"NodeName": {TargetNames: []string{"NodeName"}},
		},
	}
}

func matchDetails(rule sigma.Rule, searchResults map[string]bool) string {
	var details strings.Builder
	for searchName, matched := range searchResults {
		if !matched {
			continue
		}
		search, ok := rule.Detection.Searches[searchName]
		if !ok {
			continue
		}
		for i, matcher := range search.EventMatchers {
			if i > 0 {
				details.WriteString(" AND ")
			}
			for j, fieldMatch := range matcher {
				if j > 0 {
					details.WriteString(" WITH ")
				}
				fmt.Fprintf(&details, "'%s' %s '%v'",
					fieldMatch.Field,
					strings.Join(fieldMatch.Modifiers, " "),
					fieldMatch.Values[0])
			}
		}
	}
	if details.Len() == 0 {
		return "matched"
	}
	return details.String()
}

func (e *Engine) watchRulesDir() error {
	err := filepath.Walk(e.rulesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return e.watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("watch rules: %w", err)
	}
	go e.watchLoop()
	return nil
}

func (e *Engine) watchLoop() {
	for {
		select {
		case event, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if ext := filepath.Ext(event.Name); ext != ".yml" && ext != ".yaml" {
				continue
			}
			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				if err := e.loadRuleFile(event.Name); err != nil {
					e.log.WithError(err).Warn("rule reload failed")
				}
			case event.Op&fsnotify.Remove != 0:
				e.mu.Lock()
				delete(e.evaluators, event.Name)
				e.mu.Unlock()
				e.log.WithField("path", event.Name).Info("rule removed")
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.log.WithError(err).Warn("rule watcher error")
		}
	}
}
