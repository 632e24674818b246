package domain

import (
	"context"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

const minPromptLength = 10

const generateSystemPrompt = `You are a project planning assistant. Break the user's project description into concrete tasks.
Reply with a JSON array only, no prose. Each element must be an object with the keys
"title", "description", "profession" and "priority".
"profession" is one of: developer, designer, project-manager, qa-engineer, devops.
"priority" is one of: low, medium, high.`

const standupSystemPrompt = `You are a scrum master. Write a short daily stand-up summary for the team based on the
ticket list you are given. Group the summary into what is done, what is in progress and what has
not started yet, and call out high priority work and approaching deadlines. Use plain text.`

// Completer sends a chat completion request to a language model.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

// GeneratedTask is one task proposed by the language model.
type GeneratedTask struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Profession  string `json:"profession"`
	Priority    string `json:"priority"`
}

// GenerationResult reports the tickets created from a prompt.
type GenerationResult struct {
	Created []Ticket `json:"created"`
	Skipped int      `json:"skipped"`
}

// Assistant turns free text into tickets and summarises boards.
type Assistant struct {
	llm     Completer
	boards  *BoardService
	tickets *TicketService
}

func NewAssistant(llm Completer, boards *BoardService, tickets *TicketService) *Assistant {
	return &Assistant{llm: llm, boards: boards, tickets: tickets}
}

// GenerateTickets asks the model for tasks and creates one ticket per task for
// the first participant whose profession matches. Tasks without a match are
// skipped. An unusable model reply produces no tickets.
func (a *Assistant) GenerateTickets(ctx context.Context, actorID, boardID, prompt string) (*GenerationResult, error) {
	prompt = strings.TrimSpace(prompt)
	if len([]rune(prompt)) < minPromptLength {
		return nil, fmt.Errorf("%w: prompt must be at least %d characters", ErrValidation, minPromptLength)
	}
	members, err := a.boards.Members(ctx, actorID, boardID)
	if err != nil {
		return nil, err
	}
	reply, err := a.llm.Complete(ctx, generateSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	tasks := ParseGeneratedTasks(reply)
	res := &GenerationResult{Created: []Ticket{}}
	for _, task := range tasks {
		title := strings.TrimSpace(task.Title)
		assignee := matchProfession(members, task.Profession)
		if title == "" || assignee == "" {
			res.Skipped++
			continue
		}
		priority, err := ParsePriority(task.Priority)
		if err != nil {
			priority = PriorityMedium
		}
		t := &Ticket{
			BoardID:     boardID,
			Title:       title,
			Description: strings.TrimSpace(task.Description),
			Status:      StatusNotStarted,
			Priority:    priority,
			Assignees:   []string{assignee},
		}
		if err := a.tickets.insert(ctx, t); err != nil {
			log.WithFields(log.Fields{"board": boardID, "title": title}).WithError(err).Warn("generated ticket not stored")
			res.Skipped++
			continue
		}
		a.tickets.notifyAssigned(ctx, t, t.Assignees)
		res.Created = append(res.Created, *t)
	}
	log.WithFields(log.Fields{
		"board":   boardID,
		"tasks":   len(tasks),
		"created": len(res.Created),
		"skipped": res.Skipped,
	}).Info("tickets generated")
	return res, nil
}

// Standup asks the model to summarise the current state of a board.
func (a *Assistant) Standup(ctx context.Context, actorID, boardID string) (string, error) {
	b, err := a.boards.Get(ctx, actorID, boardID)
	if err != nil {
		return "", err
	}
	tickets, err := a.tickets.listSorted(ctx, b.ID)
	if err != nil {
		return "", err
	}
	members, err := a.boards.Members(ctx, actorID, b.ID)
	if err != nil {
		return "", err
	}
	reply, err := a.llm.Complete(ctx, standupSystemPrompt, standupPrompt(b, tickets, members))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return strings.TrimSpace(reply), nil
}

func standupPrompt(b *Board, tickets []Ticket, members []AccountInfo) string {
	names := make(map[string]string, len(members))
	for _, m := range members {
		names[m.ID] = strings.TrimSpace(m.Name + " " + m.Surname)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Board: %s\n", b.Name)
	for _, st := range []Status{StatusDone, StatusInProgress, StatusNotStarted} {
		fmt.Fprintf(&sb, "\n%s:\n", st)
		n := 0
		for _, t := range tickets {
			if t.Status != st {
				continue
			}
			n++
			who := make([]string, 0, len(t.Assignees))
			for _, id := range t.Assignees {
				if name, ok := names[id]; ok {
					who = append(who, name)
				}
			}
			fmt.Fprintf(&sb, "- %s (priority %s", t.Title, t.Priority)
			if t.Deadline != nil {
				fmt.Fprintf(&sb, ", due %s", t.Deadline.Format(deadlineDateLayout))
			}
			if len(who) > 0 {
				fmt.Fprintf(&sb, ", assigned to %s", strings.Join(who, ", "))
			}
			sb.WriteString(")\n")
		}
		if n == 0 {
			sb.WriteString("- none\n")
		}
	}
	return sb.String()
}

// ParseGeneratedTasks extracts the task array from a model reply. Code fences
// and surrounding prose are ignored; anything unparsable yields no tasks.
func ParseGeneratedTasks(reply string) []GeneratedTask {
	start := strings.Index(reply, "[")
	end := strings.LastIndex(reply, "]")
	if start < 0 || end <= start {
		return nil
	}
	var tasks []GeneratedTask
	if err := sonic.UnmarshalString(reply[start:end+1], &tasks); err != nil {
		log.WithError(err).Debug("unparsable task list")
		return nil
	}
	return tasks
}

// matchProfession returns the first participant, owner first, whose
// profession matches, or "" when nobody does.
func matchProfession(members []AccountInfo, profession string) string {
	want := strings.TrimSpace(profession)
	if want == "" {
		return ""
	}
	for _, m := range members {
		if strings.EqualFold(string(m.Profession), want) {
			return m.ID
		}
	}
	return ""
}
