package model

// Character is a selectable cover persona.
type Character struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Emoji     string `json:"emoji"`
	Available bool   `json:"available"`

	// VoiceModel is the RVC model name passed to the voice cloning model.
	VoiceModel string `json:"-"`
	// PortraitPrompt is used when the request carries no prompt of its own.
	PortraitPrompt string `json:"-"`
}

const DefaultPortraitPrompt = "a professional portrait, dramatic lighting"

var Characters = []Character{
	{ID: "squidward", Name: "Squidward", Emoji: "🦑", Available: true, VoiceModel: "Squidward", PortraitPrompt: DefaultPortraitPrompt},
	{ID: "patrick", Name: "Patrick", Emoji: "⭐", VoiceModel: "Patrick"},
	{ID: "spongebob", Name: "SpongeBob", Emoji: "🧽", VoiceModel: "SpongeBob"},
	{ID: "kpop-idol", Name: "K-Pop Idol", Emoji: "🎤"},
	{ID: "drake", Name: "Drake", Emoji: "🦉"},
}

// LookupCharacter finds a character by id.
func LookupCharacter(id string) (Character, bool) {
	for _, c := range Characters {
		if c.ID == id {
			return c, true
		}
	}
	return Character{}, false
}
