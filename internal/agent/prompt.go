package agent

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/querychat/querychat/internal/domain"
)

const (
	// contextSnippetLen bounds how much of each recalled message is
	// quoted into the prompt.
	contextSnippetLen = 150
)

// PromptInput carries everything the reasoning service needs to
// produce a candidate query.
type PromptInput struct {
	Question   string
	SchemaText string
	Recalled   []domain.Message
	LastSQL    string
	LastError  string
}

// BuildPrompt assembles the generation prompt: schema description,
// bounded conversation context, the previous turn's query when one
// exists, and on retry the prior failure folded in so the next
// candidate is informed by it.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString("You are an expert SQL generator for SQLite databases with conversational awareness.\n\n")
	b.WriteString("Database Schema:\n")
	b.WriteString(in.SchemaText)

	if len(in.Recalled) > 0 {
		b.WriteString("\nRecent Conversation Context (for follow-up questions):\n")
		for i, msg := range in.Recalled {
			role := "User"
			if msg.Role == domain.RoleAssistant {
				role = "Assistant"
			}
			fmt.Fprintf(&b, "%s #%d: %s\n", role, i+1, snippet(msg.Content, contextSnippetLen))
		}
		if in.LastSQL != "" {
			fmt.Fprintf(&b, "\nLast SQL Query: %s\n", in.LastSQL)
		}
		b.WriteString("\nIMPORTANT: If the user's question refers to 'those', 'that', 'them', 'these results', use the context above to understand what they're referring to.\n")
	}

	if in.LastError != "" {
		fmt.Fprintf(&b, "\nThe previous attempt failed with this error, produce a corrected query:\n%s\n", in.LastError)
	}

	b.WriteString("\nCRITICAL RULES:\n")
	b.WriteString("1. Output ONLY a valid SQLite SELECT statement\n")
	b.WriteString("2. Do NOT include markdown, backticks, or explanations\n")
	b.WriteString("3. Use only tables and columns from the schema above\n")
	b.WriteString("4. For aggregations, use GROUP BY\n")
	b.WriteString("5. Round decimals to 2 places: ROUND(column, 2)\n")
	b.WriteString("6. For follow-up questions, modify or extend the previous query\n")

	fmt.Fprintf(&b, "\nCurrent User Question: %q\n\nGenerate ONLY the SQL query:", in.Question)
	return b.String()
}

var (
	sqlFenceRe   = regexp.MustCompile("```sql\\s*")
	fenceRe      = regexp.MustCompile("```\\s*")
	leadingSQLRe = regexp.MustCompile(`(?i)^sql\s*`)
)

// CleanSQL normalizes raw reasoning-service output into a bare
// statement: markdown fences and a leading "sql" token stripped,
// trailing semicolon removed, whitespace collapsed.
func CleanSQL(raw string) string {
	s := sqlFenceRe.ReplaceAllString(raw, "")
	s = fenceRe.ReplaceAllString(s, "")
	s = leadingSQLRe.ReplaceAllString(strings.TrimSpace(s), "")
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), ";"))
	return strings.Join(strings.Fields(s), " ")
}

func snippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
