package ai

import (
	"fmt"
	"strings"
)

// Role identifies the sender of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
)

// buildInstruction renders the fixed system instruction listing every
// department by its numeric index.
func buildInstruction(departments []string) string {
	var sb strings.Builder

	sb.WriteString("Your task is to understand the content of an email ")
	sb.WriteString("and categorize the issue. ")
	sb.WriteString("Determine which department should address this issue ")
	sb.WriteString("based on the following options:\n")

	for i, name := range departments {
		sb.WriteString(fmt.Sprintf("%d. %s department\n", i, name))
	}

	sb.WriteString("Output format should be a single number representing ")
	sb.WriteString("the option, without any additional output.")

	return sb.String()
}

// buildMessages returns the conversation sent for one classification:
// the instruction followed by the email body as user content.
func buildMessages(instruction, body string) []chatMessage {
	return []chatMessage{
		{Role: string(RoleSystem), Content: instruction},
		{Role: string(RoleUser), Content: body},
	}
}
