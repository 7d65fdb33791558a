package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gokr/niffler/internal/config"
	"github.com/gokr/niffler/internal/store"
)

// AgentDefinitions returns the agent-category commands spec.md §4.6.1
// classifies as safe-quick or disruptive, all executed in the agent's own
// loop thread against its current conversation.
func AgentDefinitions() []Definition {
	return []Definition{
		{
			Name: "new", Description: "Start a fresh conversation", Usage: "/new",
			Category: CategoryAgent, Handler: handleNew,
		},
		{
			Name: "conv", Description: "Switch to a conversation by id, or list recent ones", Usage: "/conv [id]",
			Category: CategoryAgent, Handler: handleConv,
		},
		{
			Name: "condense", Description: "Placeholder for conversation summarization", Usage: "/condense",
			Category: CategoryAgent, Handler: handleCondense,
		},
		{
			Name: "plan", Description: "Switch the current conversation to plan mode", Usage: "/plan",
			Category: CategoryAgent, Handler: handleModeSwitch(store.ModePlan),
		},
		{
			Name: "code", Description: "Switch the current conversation to code mode", Usage: "/code",
			Category: CategoryAgent, Handler: handleModeSwitch(store.ModeCode),
		},
		{
			Name: "model", Description: "Show or switch the active model nickname", Usage: "/model [nickname]",
			Category: CategoryAgent, Handler: handleModel,
		},
		{
			Name: "info", Description: "Show the current conversation summary", Usage: "/info",
			Category: CategoryAgent, Handler: handleInfo,
		},
		{
			Name: "context", Description: "Show the current conversation's message count", Usage: "/context",
			Category: CategoryAgent, Handler: handleContext,
		},
		{
			Name: "inspect", Description: "Show the agent's name (allowed tools and model are not listed)", Usage: "/inspect",
			Category: CategoryAgent, Handler: handleInspect,
		},
	}
}

// GlobalDefinitions returns the master-only commands — /cost and /search,
// backed directly by C2's cost/search queries (the spec leaves the command
// surface over them implicit; see DESIGN.md).
func GlobalDefinitions() []Definition {
	return []Definition{
		{
			Name: "cost", Description: "Show token cost for a conversation", Usage: "/cost [conversation-id]",
			Category: CategoryGlobal, Handler: handleCost,
		},
		{
			Name: "search", Description: "Search conversations by title or content", Usage: "/search <query>",
			Category: CategoryGlobal, Handler: handleSearch,
		},
	}
}

func handleNew(_ context.Context, cctx *Context) (string, error) {
	conv, err := cctx.Store.CreateConversation("", store.ModeCode, "")
	if err != nil {
		return "", fmt.Errorf("creating conversation: %w", err)
	}
	if cctx.SetConversation != nil {
		cctx.SetConversation(conv)
	}
	return fmt.Sprintf("started conversation #%d", conv.ID), nil
}

func handleConv(_ context.Context, cctx *Context) (string, error) {
	args := strings.TrimSpace(cctx.Args)
	if args == "" {
		convs, err := cctx.Store.ListActiveConversations()
		if err != nil {
			return "", err
		}
		if len(convs) == 0 {
			return "no active conversations", nil
		}
		var b strings.Builder
		for _, c := range convs {
			fmt.Fprintf(&b, "#%d %s (%s, %d messages)\n", c.ID, c.Title, c.Mode, c.MessageCount)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	id, err := strconv.ParseInt(args, 10, 64)
	if err != nil {
		return "", fmt.Errorf("usage: /conv [id]")
	}
	conv, err := cctx.Store.GetConversationByID(id)
	if err != nil {
		return "", err
	}
	if cctx.SetConversation != nil {
		cctx.SetConversation(conv)
	}
	return fmt.Sprintf("switched to conversation #%d", conv.ID), nil
}

// handleCondense is a stub: conversation summarization is not part of this
// spec's scope (no summarizer component is named in SPEC_FULL.md); it
// acknowledges the command rather than silently dropping it.
func handleCondense(_ context.Context, _ *Context) (string, error) {
	return "condense is not implemented in this build", nil
}

func handleModeSwitch(mode store.Mode) Handler {
	return func(_ context.Context, cctx *Context) (string, error) {
		if cctx.Conversation == nil {
			return "", fmt.Errorf("no active conversation")
		}
		if err := cctx.Store.UpdateConversationMode(cctx.Conversation.ID, mode); err != nil {
			return "", err
		}
		updated, err := cctx.Store.GetConversationByID(cctx.Conversation.ID)
		if err != nil {
			return "", err
		}
		if cctx.SetConversation != nil {
			cctx.SetConversation(updated)
		}
		return fmt.Sprintf("conversation #%d is now in %s mode", updated.ID, updated.Mode), nil
	}
}

func handleModel(_ context.Context, cctx *Context) (string, error) {
	args := strings.TrimSpace(cctx.Args)
	if args == "" {
		if cctx.Conversation == nil {
			return "no active conversation", nil
		}
		return fmt.Sprintf("current model: %s", cctx.Conversation.ModelNickname), nil
	}
	if _, ok := cctx.Config.ModelByNickname(args); !ok {
		return "", fmt.Errorf("unknown model nickname %q", args)
	}
	if cctx.Conversation == nil {
		return "", fmt.Errorf("no active conversation")
	}
	if err := cctx.Store.UpdateConversationModel(cctx.Conversation.ID, args); err != nil {
		return "", err
	}
	if cctx.SetModelNickname != nil {
		cctx.SetModelNickname(args)
	}
	return fmt.Sprintf("switched to model %q", args), nil
}

func handleInfo(_ context.Context, cctx *Context) (string, error) {
	if cctx.Conversation == nil {
		return "no active conversation", nil
	}
	c := cctx.Conversation
	return fmt.Sprintf("#%d %q mode=%s model=%s messages=%d last_activity=%s",
		c.ID, c.Title, c.Mode, c.ModelNickname, c.MessageCount, c.LastActivity.Format("2006-01-02 15:04:05")), nil
}

func handleContext(_ context.Context, cctx *Context) (string, error) {
	if cctx.Conversation == nil {
		return "no active conversation", nil
	}
	return fmt.Sprintf("%d messages in conversation #%d", cctx.Conversation.MessageCount, cctx.Conversation.ID), nil
}

func handleInspect(_ context.Context, cctx *Context) (string, error) {
	return fmt.Sprintf("agent=%s", cctx.AgentName), nil
}

func handleCost(_ context.Context, cctx *Context) (string, error) {
	args := strings.TrimSpace(cctx.Args)
	var convID int64
	if args != "" {
		id, err := strconv.ParseInt(args, 10, 64)
		if err != nil {
			return "", fmt.Errorf("usage: /cost [conversation-id]")
		}
		convID = id
	} else if cctx.Conversation != nil {
		convID = cctx.Conversation.ID
	} else {
		return "", fmt.Errorf("no conversation specified and none active")
	}

	breakdown, err := cctx.Store.GetConversationCostDetailed(convID)
	if err != nil {
		return "", err
	}
	if len(breakdown.Rows) == 0 {
		return fmt.Sprintf("no usage recorded for conversation #%d", convID), nil
	}
	var b strings.Builder
	for _, row := range breakdown.Rows {
		fmt.Fprintf(&b, "%s: in=%d out=%d cost=$%.4f\n", row.ModelNickname, row.InputTokens, row.OutputTokens, row.InputCost+row.OutputCost+row.ReasoningCost)
	}
	fmt.Fprintf(&b, "total: $%.4f", breakdown.Total.InputCost+breakdown.Total.OutputCost+breakdown.Total.ReasoningCost)
	return b.String(), nil
}

func handleSearch(_ context.Context, cctx *Context) (string, error) {
	query := strings.TrimSpace(cctx.Args)
	if query == "" {
		return "", fmt.Errorf("usage: /search <query>")
	}
	results, err := cctx.Store.SearchConversations(query)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return fmt.Sprintf("no conversations match %q", query), nil
	}
	var b strings.Builder
	for _, c := range results {
		fmt.Fprintf(&b, "#%d %s\n", c.ID, c.Title)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
