package api

import (
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/dork-labs/relay/daemon/msgstore"
	"github.com/dork-labs/relay/daemon/relay"
	"github.com/dork-labs/relay/daemon/subject"
)

// SubjectResolver labels the agent behind a subject for the
// conversations projection. Implementations may read adapter
// manifests or session metadata; StaticResolver derives the label
// from the subject itself.
type SubjectResolver interface {
	ResolveAgent(subj string) (id, label string)
}

// StaticResolver labels conversations from subject tokens alone:
// relay.agent.coder -> ("coder", "coder").
type StaticResolver struct{}

func (StaticResolver) ResolveAgent(subj string) (id, label string) {
	toks := strings.Split(subj, ".")
	last := toks[len(toks)-1]
	return subj, last
}

// conversationEntry is one envelope in a conversation, reduced to what
// the projection needs.
type conversationEntry struct {
	MessageID string          `json:"messageId"`
	Role      string          `json:"role"` // request or response
	Subject   string          `json:"subject"`
	From      string          `json:"from"`
	Status    relay.Status    `json:"status"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
	// DeadLetterReason is set for requests that were rejected or
	// failed delivery.
	DeadLetterReason relay.Reason `json:"deadLetterReason,omitempty"`
}

type conversation struct {
	AgentID      string              `json:"agentId"`
	Label        string              `json:"label"`
	Entries      []conversationEntry `json:"entries"`
	LastActivity time.Time           `json:"lastActivity"`
}

// conversationWindow bounds how many recent envelopes the projection
// reads.
const conversationWindow = 200

// listConversations is a pure projection over the message log: request
// envelopes addressed to agents joined with the console responses they
// produced, grouped per agent and labelled by the resolver. Nothing is
// written.
func (s *Server) listConversations(w http.ResponseWriter, req *http.Request, _ httprouter.Params) {
	page, err := s.messages.List(req.Context(), msgstore.Query{Limit: conversationWindow})
	if err != nil {
		s.writeErr(w, err)
		return
	}

	byAgent := make(map[string]*conversation)
	add := func(agentSubj string, entry conversationEntry) {
		conv, ok := byAgent[agentSubj]
		if !ok {
			id, label := s.resolver.ResolveAgent(agentSubj)
			conv = &conversation{AgentID: id, Label: label}
			byAgent[agentSubj] = conv
		}
		conv.Entries = append(conv.Entries, entry)
		if entry.CreatedAt.After(conv.LastActivity) {
			conv.LastActivity = entry.CreatedAt
		}
	}

	for _, env := range page.Messages {
		switch {
		case subject.Match("relay.agent.>", env.Subject) || subject.Match("relay.system.>", env.Subject):
			entry := conversationEntry{
				MessageID: env.ID,
				Role:      "request",
				Subject:   env.Subject,
				From:      env.From,
				Status:    env.Status,
				Payload:   env.Payload,
				CreatedAt: env.CreatedAt,
			}
			if env.Status == relay.StatusFailed || env.Status == relay.StatusDeadLetter {
				dls, err := s.deadLetters.ByMessage(req.Context(), env.ID)
				if err != nil {
					s.writeErr(w, err)
					return
				}
				if len(dls) > 0 {
					entry.DeadLetterReason = dls[0].Reason
				}
			}
			add(env.Subject, entry)
		case subject.Match("relay.human.console.>", env.Subject):
			// Responses join the conversation of the agent that
			// produced them.
			add(env.From, conversationEntry{
				MessageID: env.ID,
				Role:      "response",
				Subject:   env.Subject,
				From:      env.From,
				Status:    env.Status,
				Payload:   env.Payload,
				CreatedAt: env.CreatedAt,
			})
		}
	}

	convs := make([]*conversation, 0, len(byAgent))
	for _, conv := range byAgent {
		// The log lists newest-first; conversations read oldest-first.
		sort.Slice(conv.Entries, func(i, j int) bool {
			if conv.Entries[i].CreatedAt.Equal(conv.Entries[j].CreatedAt) {
				return conv.Entries[i].MessageID < conv.Entries[j].MessageID
			}
			return conv.Entries[i].CreatedAt.Before(conv.Entries[j].CreatedAt)
		})
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		return convs[i].LastActivity.After(convs[j].LastActivity)
	})

	writeJSON(w, http.StatusOK, map[string]any{"conversations": convs})
}
