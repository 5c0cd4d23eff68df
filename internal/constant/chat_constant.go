package constant

const (
	ChatMessageRoleUser      = "user"
	ChatMessageRoleAssistant = "assistant"
)

const (
	LevelBeginner     = "beginner"
	LevelIntermediate = "intermediate"
	LevelAdvanced     = "advanced"
)

// Titles still considered "not customized" and eligible for auto-titling.
var ReservedDefaultTitles = []string{"New Chat", "Study Chat"}

const (
	DefaultSessionTitle = "Study Chat"
	MaxSessionTitleLen  = 200
	MaxDerivedTitleLen  = 60
)

const SystemInstructionV1 = `You are a helpful study assistant chatbot.
You explain clearly, step-by-step when needed, and provide short examples.
If the user asks for code, provide code with comments.`

const TitlePromptV1 = `Generate a short title (3-6 words) for a study chat that starts with the following message. Reply with the title only, no quotes.

Message: `

func IsReservedDefaultTitle(title string) bool {
	for _, t := range ReservedDefaultTitles {
		if title == t {
			return true
		}
	}
	return false
}
