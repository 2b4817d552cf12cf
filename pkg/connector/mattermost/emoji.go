// Copyright 2024-2026 Aiku AI

package mattermost

import "strings"

// variationSelector asks for emoji presentation. Platforms add or drop it
// freely, so lookups ignore it.
const variationSelector = "\uFE0F"

// emojiTable lists the Mattermost system emoji the bridge translates. The
// first name of each entry is the one sent to Mattermost; the others are
// aliases Mattermost may report.
var emojiTable = []struct {
	emoji string
	names []string
}{
	{"\U0001F44D", []string{"+1", "thumbsup"}},
	{"\U0001F44E", []string{"-1", "thumbsdown"}},
	{"\u2764\uFE0F", []string{"heart"}},
	{"\U0001F604", []string{"smile"}},
	{"\U0001F606", []string{"laughing", "satisfied"}},
	{"\U0001F602", []string{"joy"}},
	{"\U0001F609", []string{"wink"}},
	{"\U0001F622", []string{"cry"}},
	{"\U0001F62E", []string{"open_mouth"}},
	{"\U0001F44B", []string{"wave"}},
	{"\U0001F44F", []string{"clap"}},
	{"\U0001F64C", []string{"raised_hands"}},
	{"\U0001F64F", []string{"pray"}},
	{"\U0001F4AA", []string{"muscle"}},
	{"\U0001F525", []string{"fire"}},
	{"\U0001F4AF", []string{"100"}},
	{"\U0001F389", []string{"tada"}},
	{"\U0001F440", []string{"eyes"}},
	{"\U0001F914", []string{"thinking", "thinking_face"}},
	{"\U0001F680", []string{"rocket"}},
	{"\u2705", []string{"white_check_mark"}},
	{"\u274C", []string{"x"}},
	{"\u26A0\uFE0F", []string{"warning"}},
	{"\u2B50", []string{"star"}},
}

var (
	emojiByName = make(map[string]string)
	nameByEmoji = make(map[string]string)
)

func init() {
	for _, e := range emojiTable {
		for _, name := range e.names {
			emojiByName[name] = e.emoji
		}
		nameByEmoji[strings.ReplaceAll(e.emoji, variationSelector, "")] = e.names[0]
	}
}

// emojiFromName turns a Mattermost emoji name into the reaction content
// other platforms see. Custom and unknown emoji stay as ":name:".
func emojiFromName(name string) string {
	if emoji, ok := emojiByName[name]; ok {
		return emoji
	}
	return ":" + name + ":"
}

// nameFromEmoji is the inverse of emojiFromName. Content that is neither a
// known emoji nor a ":name:" reference is passed through.
func nameFromEmoji(content string) string {
	if name, ok := nameByEmoji[strings.ReplaceAll(content, variationSelector, "")]; ok {
		return name
	}
	if inner, ok := strings.CutPrefix(content, ":"); ok {
		if inner, ok = strings.CutSuffix(inner, ":"); ok && inner != "" {
			return inner
		}
	}
	return content
}
