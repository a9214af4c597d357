// Package dispatch interprets oracle verdicts for inbound chat messages,
// tracks the approval requests they open, and applies approved changes
// to the ground truth. Two decision channels — reactions and exact-word
// thread replies — race to resolve each pending action; the registry's
// atomic pop guarantees at most one wins.
package dispatch

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/alexwang0317/HumanAnd/internal/events"
	"github.com/alexwang0317/HumanAnd/internal/gitledger"
	"github.com/alexwang0317/HumanAnd/internal/pending"
	"github.com/alexwang0317/HumanAnd/internal/project"
)

//go:embed templates/*.md
var templateFiles embed.FS

var (
	approveReactions = map[string]struct{}{"white_check_mark": {}, "+1": {}, "thumbsup": {}}
	rejectReactions  = map[string]struct{}{"x": {}, "-1": {}, "thumbsdown": {}}
	approveWords     = map[string]struct{}{"y": {}, "yes": {}, "yeah": {}, "sure": {}, "approve": {}, "approved": {}, "ok": {}}
	rejectWords      = map[string]struct{}{"n": {}, "no": {}, "nah": {}, "reject": {}, "rejected": {}, "nope": {}}
)

var mentionPattern = regexp.MustCompile(`<@[A-Z0-9]+>\s*`)

// Oracle classifies inbound messages and answers direct mentions.
// Failures propagate: there is no safe default verdict.
type Oracle interface {
	Classify(ctx context.Context, groundTruth, user, message, history string) (string, error)
	Respond(ctx context.Context, groundTruth, message, history, messages string) (string, error)
}

// Transport is the chat platform. PostMessage returns the identifier of
// the posted message, which keys any pending action it opens.
type Transport interface {
	PostMessage(channelID, text, threadTS string) (string, error)
	ChannelName(channelID string) string
	ChannelMembers(channelID string) ([]project.Member, error)
	MemberIDs(channelID string) ([]string, error)
	History(channelID string) (string, error)
	Permalink(channelID, messageTS string) string
}

// Deployer publishes the static dashboard. Optional.
type Deployer interface {
	Deploy(projectName string) (string, error)
}

// Historian reads the project's version history for the history
// command. Optional.
type Historian interface {
	History(project string, limit int) ([]gitledger.CommitInfo, error)
}

// Message is one inbound human message, bot and subtype traffic already
// filtered by the transport.
type Message struct {
	ChannelID       string
	Author          string
	Text            string
	Timestamp       string
	ThreadTimestamp string
}

// Reaction is one reaction-added event on a message.
type Reaction struct {
	Name             string
	User             string
	ChannelID        string
	MessageTimestamp string
}

type Dispatcher struct {
	store     *project.Store
	ledger    *events.Ledger
	registry  *pending.Registry
	oracle    Oracle
	transport Transport
	deployer  Deployer
	historian Historian
	logger    *slog.Logger
}

func New(store *project.Store, ledger *events.Ledger, registry *pending.Registry, oracle Oracle, transport Transport, deployer Deployer, historian Historian) *Dispatcher {
	return &Dispatcher{
		store:     store,
		ledger:    ledger,
		registry:  registry,
		oracle:    oracle,
		transport: transport,
		deployer:  deployer,
		historian: historian,
		logger:    slog.Default(),
	}
}

// HandleMention services @bot commands: initialize, role, dashboard, and
// free-form questions.
func (d *Dispatcher) HandleMention(ctx context.Context, msg Message) error {
	projectName := d.transport.ChannelName(msg.ChannelID)
	text := StripMention(msg.Text)
	lower := strings.ToLower(text)

	switch {
	case strings.HasPrefix(lower, "initialize"):
		members, err := d.transport.ChannelMembers(msg.ChannelID)
		if err != nil {
			return fmt.Errorf("fetch channel members: %w", err)
		}
		confirmation, err := d.store.Initialize(projectName, members)
		if err != nil {
			return err
		}
		d.post(msg.ChannelID, confirmation, msg.Timestamp)
		d.post(msg.ChannelID, "To make routing work, each person should set their role: `@bot role <your responsibilities>`", "")
		return nil

	case strings.HasPrefix(lower, "role "):
		role := strings.TrimSpace(text[len("role "):])
		confirmation, err := d.store.SetRole(projectName, msg.Author, role)
		if errors.Is(err, project.ErrMemberNotFound) {
			d.post(msg.ChannelID, fmt.Sprintf("Couldn't find <@%s> in the Directory. Run `@bot initialize` first.", msg.Author), msg.Timestamp)
			return nil
		}
		if err != nil {
			return err
		}
		d.post(msg.ChannelID, confirmation, msg.Timestamp)
		return nil

	case strings.HasPrefix(lower, "history"):
		if d.historian == nil {
			d.post(msg.ChannelID, "Version history isn't configured.", msg.Timestamp)
			return nil
		}
		commits, err := d.historian.History(projectName, 5)
		if err != nil {
			d.post(msg.ChannelID, "No recorded changes yet.", msg.Timestamp)
			return nil
		}
		var b strings.Builder
		b.WriteString(":scroll: *Recent ground truth changes:*")
		for _, commit := range commits {
			b.WriteString(fmt.Sprintf("\n• `%s` %s — %s", shortHash(commit.Hash), commit.When.Format("2006-01-02"), strings.TrimSpace(commit.Message)))
		}
		d.post(msg.ChannelID, b.String(), msg.Timestamp)
		return nil

	case strings.HasPrefix(lower, "dashboard"):
		if d.deployer == nil {
			d.post(msg.ChannelID, "Dashboard deploys aren't configured.", msg.Timestamp)
			return nil
		}
		d.post(msg.ChannelID, ":chart_with_upwards_trend: Deploying dashboard...", msg.Timestamp)
		url, err := d.deployer.Deploy(projectName)
		if err != nil {
			d.logger.Error("dashboard deploy failed", "project", projectName, "error", err)
			d.post(msg.ChannelID, fmt.Sprintf(":x: Dashboard deploy failed: %v", err), msg.Timestamp)
			return nil
		}
		d.post(msg.ChannelID, fmt.Sprintf(":white_check_mark: Dashboard deployed: %s", url), msg.Timestamp)
		return nil
	}

	history := d.history(msg.ChannelID)
	response, err := d.oracle.Respond(ctx, d.store.GroundTruth(projectName), text, history, d.store.Messages(projectName))
	if err != nil {
		return fmt.Errorf("respond to mention: %w", err)
	}
	d.post(msg.ChannelID, response, msg.Timestamp)
	return nil
}

// HandleMessage first checks whether the message decides a pending
// action, then classifies it.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg Message) error {
	if d.resolveByReply(ctx, msg) {
		return nil
	}

	projectName := d.transport.ChannelName(msg.ChannelID)
	history := d.history(msg.ChannelID)
	raw, err := d.oracle.Classify(ctx, d.store.GroundTruth(projectName), msg.Author, msg.Text, history)
	if err != nil {
		return fmt.Errorf("classify message: %w", err)
	}
	verdict := ParseVerdict(raw)
	d.logger.Info("message classified", "project", projectName, "kind", verdict.Kind, "category", verdict.Category)

	permalink := d.transport.Permalink(msg.ChannelID, msg.Timestamp)

	switch verdict.Kind {
	case KindPass:
		return nil
	case KindRoute:
		return d.handleRoute(ctx, projectName, msg, verdict, permalink)
	case KindUpdate:
		return d.handleUpdate(ctx, projectName, msg, verdict, permalink)
	case KindMisalign:
		return d.handleNudge(ctx, projectName, msg, verdict, permalink, events.KindMisalign, "misalign.md", "{misalign_content}")
	case KindQuestion:
		return d.handleNudge(ctx, projectName, msg, verdict, permalink, events.KindQuestion, "nudge.md", "{nudge_content}")
	}
	return nil
}

// HandleReaction resolves a pending action when a recognized approve or
// reject reaction lands on the proposal message. Other reactions and
// reactions on unrelated messages are ignored.
func (d *Dispatcher) HandleReaction(ctx context.Context, reaction Reaction) {
	_, approve := approveReactions[reaction.Name]
	_, reject := rejectReactions[reaction.Name]
	if !approve && !reject {
		return
	}

	if nudge, ok := d.registry.PopNudge(reaction.MessageTimestamp); ok {
		d.resolveNudge(ctx, nudge, reaction.ChannelID, reaction.User, approve)
		return
	}
	if update, ok := d.registry.PopUpdate(reaction.MessageTimestamp); ok {
		d.resolveUpdate(ctx, update, reaction.ChannelID, reaction.User, approve)
	}
}

// ROUTE is self-resolving: mention the owner, record the event, done.
func (d *Dispatcher) handleRoute(ctx context.Context, projectName string, msg Message, verdict Verdict, permalink string) error {
	target, reason := verdict.Route()
	d.post(msg.ChannelID, fmt.Sprintf("Hey %s, <@%s> %s Could you jump in here?", target, msg.Author, reason), msg.Timestamp)
	if err := d.store.LogMessage(projectName, msg.Author, permalink, verdict.Category, verdict.Content); err != nil {
		d.logger.Error("log routed message failed", "project", projectName, "error", err)
	}
	if _, err := d.ledger.Append(ctx, projectName, events.KindRoute, msg.Author, verdict.Category, verdict.Content, permalink); err != nil {
		d.logger.Error("append route event failed", "project", projectName, "error", err)
	}
	return nil
}

func (d *Dispatcher) handleUpdate(ctx context.Context, projectName string, msg Message, verdict Verdict, permalink string) error {
	diff := formatDiff(d.store.GroundTruth(projectName), verdict.Content)
	proposal := fmt.Sprintf(":memo: *Proposed ground truth change:*\n\n%s\n\nReact :white_check_mark: to accept or :x: to reject.", diff)
	proposalTS, err := d.transport.PostMessage(msg.ChannelID, proposal, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("post proposal: %w", err)
	}
	eventID, err := d.ledger.Append(ctx, projectName, events.KindUpdate, msg.Author, verdict.Category, verdict.Content, permalink)
	if err != nil {
		d.logger.Error("append update event failed", "project", projectName, "error", err)
	}
	d.registry.PutUpdate(proposalTS, pending.Update{
		Text:      verdict.Content,
		Project:   projectName,
		ChannelID: msg.ChannelID,
		ThreadTS:  msg.Timestamp,
		Category:  verdict.Category,
		Author:    msg.Author,
		Permalink: permalink,
		EventID:   eventID,
	})
	return nil
}

func (d *Dispatcher) handleNudge(ctx context.Context, projectName string, msg Message, verdict Verdict, permalink, kind, template, placeholder string) error {
	text, err := renderTemplate(template, placeholder, verdict.Content)
	if err != nil {
		return err
	}
	proposalTS, err := d.transport.PostMessage(msg.ChannelID, text, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("post nudge: %w", err)
	}
	if err := d.store.LogMessage(projectName, msg.Author, permalink, verdict.Category, verdict.Content); err != nil {
		d.logger.Error("log nudged message failed", "project", projectName, "error", err)
	}
	eventID, err := d.ledger.Append(ctx, projectName, kind, msg.Author, verdict.Category, verdict.Content, permalink)
	if err != nil {
		d.logger.Error("append nudge event failed", "project", projectName, "error", err)
	}
	d.registry.PutNudge(proposalTS, pending.Nudge{
		Text:     verdict.Content,
		Project:  projectName,
		ThreadTS: msg.Timestamp,
		Author:   msg.Author,
		EventID:  eventID,
	})
	return nil
}

// resolveByReply is the text decision channel: a reply in a pending
// proposal's thread whose whole body matches an approve or reject word.
// Returns whether the message was consumed as a decision.
func (d *Dispatcher) resolveByReply(ctx context.Context, msg Message) bool {
	if msg.ThreadTimestamp == "" {
		return false
	}
	word := strings.ToLower(strings.TrimSpace(msg.Text))
	_, approve := approveWords[word]
	_, reject := rejectWords[word]
	if !approve && !reject {
		return false
	}

	if update, ok := d.registry.PopUpdateByThread(msg.ThreadTimestamp); ok {
		d.resolveUpdate(ctx, update, msg.ChannelID, msg.Author, approve)
		return true
	}
	if nudge, ok := d.registry.PopNudgeByThread(msg.ThreadTimestamp); ok {
		d.resolveNudge(ctx, nudge, msg.ChannelID, msg.Author, approve)
		return true
	}
	return false
}

func (d *Dispatcher) resolveUpdate(ctx context.Context, update pending.Update, channelID, decider string, approved bool) {
	if !approved {
		d.setDisposition(ctx, update.Project, update.EventID, events.DispositionRejected, decider)
		d.post(channelID, ":x: Change discarded.", update.ThreadTS)
		d.logger.Info("update rejected", "project", update.Project, "decider", decider)
		return
	}

	needsCompaction, err := d.store.ApplyUpdate(update.Project, update.Text, decider)
	if err != nil {
		d.logger.Error("apply update failed", "project", update.Project, "error", err)
		d.post(channelID, fmt.Sprintf(":x: Couldn't apply the change: %v", err), update.ThreadTS)
		return
	}
	if err := d.store.LogMessage(update.Project, update.Author, update.Permalink, update.Category, update.Text); err != nil {
		d.logger.Error("log approved message failed", "project", update.Project, "error", err)
	}
	d.setDisposition(ctx, update.Project, update.EventID, events.DispositionApproved, decider)
	d.post(channelID, ":white_check_mark: Ground truth updated.", update.ThreadTS)
	d.logger.Info("update accepted", "project", update.Project, "decider", decider)

	d.warnStaleDirectory(update.Project, channelID, update.ThreadTS)

	if needsCompaction {
		if _, err := d.store.Compact(ctx, update.Project); err != nil {
			d.logger.Error("compaction failed", "project", update.Project, "error", err)
		} else {
			d.post(channelID, ":scissors: Ground truth was over the size limit and has been compacted.", update.ThreadTS)
		}
	}
}

func (d *Dispatcher) resolveNudge(ctx context.Context, nudge pending.Nudge, channelID, decider string, approved bool) {
	if approved {
		d.setDisposition(ctx, nudge.Project, nudge.EventID, events.DispositionApproved, decider)
		d.post(channelID, ":white_check_mark: Thanks for the feedback — flagged as off-track.", nudge.ThreadTS)
		return
	}
	d.setDisposition(ctx, nudge.Project, nudge.EventID, events.DispositionRejected, decider)
	d.post(channelID, ":ok_hand: Got it — seems like things are on track.", nudge.ThreadTS)
}

// warnStaleDirectory surfaces Directory entries for users no longer in
// the channel. A lookup failure degrades to no warning.
func (d *Dispatcher) warnStaleDirectory(projectName, channelID, threadTS string) {
	memberIDs, err := d.transport.MemberIDs(channelID)
	if err != nil {
		d.logger.Warn("directory validation skipped", "project", projectName, "error", err)
		return
	}
	missing, err := d.store.ValidateDirectory(projectName, memberIDs)
	if err != nil || len(missing) == 0 {
		return
	}
	mentions := make([]string, 0, len(missing))
	for _, id := range missing {
		mentions = append(mentions, fmt.Sprintf("<@%s>", id))
	}
	d.post(channelID, fmt.Sprintf(":warning: Directory lists users not in this channel: %s", strings.Join(mentions, ", ")), threadTS)
}

func (d *Dispatcher) setDisposition(ctx context.Context, projectName string, eventID int64, disposition, decider string) {
	if err := d.ledger.SetDisposition(ctx, projectName, eventID, disposition, decider); err != nil {
		d.logger.Error("record disposition failed", "project", projectName, "event_id", eventID, "error", err)
	}
}

func (d *Dispatcher) post(channelID, text, threadTS string) {
	if _, err := d.transport.PostMessage(channelID, text, threadTS); err != nil {
		d.logger.Error("post message failed", "channel", channelID, "error", err)
	}
}

func (d *Dispatcher) history(channelID string) string {
	history, err := d.transport.History(channelID)
	if err != nil {
		d.logger.Warn("history fetch failed", "channel", channelID, "error", err)
		return ""
	}
	return history
}

// StripMention removes the @bot reference from a mention's text.
func StripMention(text string) string {
	return strings.TrimSpace(mentionPattern.ReplaceAllString(text, ""))
}

// formatDiff renders the last two document lines as context plus the
// proposed addition marked as an insertion.
func formatDiff(current, addition string) string {
	lines := strings.Split(strings.TrimSpace(current), "\n")
	contextLines := lines
	if len(lines) > 2 {
		contextLines = lines[len(lines)-2:]
	}
	parts := make([]string, 0, len(contextLines)+1)
	for _, line := range contextLines {
		parts = append(parts, ">    "+line)
	}
	parts = append(parts, fmt.Sprintf("> :large_green_circle:  `+ %s`", addition))
	return strings.Join(parts, "\n")
}

func shortHash(hash string) string {
	if len(hash) > 7 {
		return hash[:7]
	}
	return hash
}

func renderTemplate(name, placeholder, content string) (string, error) {
	payload, err := templateFiles.ReadFile("templates/" + name)
	if err != nil {
		return "", fmt.Errorf("load template %s: %w", name, err)
	}
	return strings.ReplaceAll(string(payload), placeholder, content), nil
}
