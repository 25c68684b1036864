package llm

import (
	"fmt"
	"strings"
)

// CombinePrompt prefixes the query with grounding context when present.
func CombinePrompt(prompt, context string) string {
	if context == "" {
		return prompt
	}
	return fmt.Sprintf("Context: %s\n\nQuery: %s", context, prompt)
}

// SummarizePrompt asks for a summary in the language of the content.
func SummarizePrompt(content string) string {
	return "Please provide a concise summary of the following content. " +
		"Focus on the main points and key information. " +
		"Please respond in the same language as the content " +
		"(if content is in Turkish, respond in Turkish; if in English, respond in English; etc.):\n\n" +
		content
}

// QuestionPrompt is the instruction for page-grounded answers.
func QuestionPrompt(question string) string {
	return "Based on the provided context, please answer the following question: " + question
}

// CollapseWhitespace replaces runs of whitespace with one space and trims.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// SummarizerInstruction renders summarizer options as a system instruction
// for backends without a native summarization API.
func SummarizerInstruction(opts SummarizerOptions) string {
	typ := opts.Type
	if typ == "" {
		typ = "key-points"
	}
	length := opts.Length
	if length == "" {
		length = "medium"
	}
	format := opts.Format
	if format == "" {
		format = "markdown"
	}
	return fmt.Sprintf(
		"You summarize text. Produce a %s summary of %s length formatted as %s. "+
			"Respond in the same language as the text. Output only the summary.",
		typ, length, format)
}
