package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
)

func stringProp(desc string) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "string", Description: desc}
}

func objectSchema(required []string, props map[string]*jsonschema.Schema) *jsonschema.Schema {
	return &jsonschema.Schema{Type: "object", Properties: props, Required: required}
}

func stringArg(input map[string]any, key, fallback string) string {
	if v, ok := input[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func requireText(input map[string]any) (string, error) {
	text, ok := input["text"].(string)
	if !ok {
		return "", fmt.Errorf("missing required argument: text")
	}
	return text, nil
}

// BuiltinTools returns the writing-assistance tools every agent carries.
func BuiltinTools() []Tool {
	return []Tool{
		&FuncTool{
			ToolSpec: ToolSpec{
				Name:        "rewrite_text",
				Description: "Rewrite the given text in the specified style (professional, casual, formal, friendly, academic).",
				InputSchema: objectSchema([]string{"text"}, map[string]*jsonschema.Schema{
					"text":  stringProp("The text to rewrite."),
					"style": stringProp("The target style."),
				}),
			},
			Fn: func(_ context.Context, input map[string]any) (string, error) {
				text, err := requireText(input)
				if err != nil {
					return "", err
				}
				style := stringArg(input, "style", "professional")
				return fmt.Sprintf("Please rewrite the following text in a %s style:\n\n%s", style, text), nil
			},
		},
		&FuncTool{
			ToolSpec: ToolSpec{
				Name:        "fix_grammar",
				Description: "Fix grammar and spelling errors in the given text.",
				InputSchema: objectSchema([]string{"text"}, map[string]*jsonschema.Schema{
					"text": stringProp("The text to fix."),
				}),
			},
			Fn: func(_ context.Context, input map[string]any) (string, error) {
				text, err := requireText(input)
				if err != nil {
					return "", err
				}
				return "Fix all grammar and spelling errors in the following text, preserving the original meaning and tone:\n\n" + text, nil
			},
		},
		&FuncTool{
			ToolSpec: ToolSpec{
				Name:        "translate_text",
				Description: "Translate text to the target language.",
				InputSchema: objectSchema([]string{"text", "target_language"}, map[string]*jsonschema.Schema{
					"text":            stringProp("The text to translate."),
					"target_language": stringProp("The language to translate to."),
				}),
			},
			Fn: func(_ context.Context, input map[string]any) (string, error) {
				text, err := requireText(input)
				if err != nil {
					return "", err
				}
				lang, ok := input["target_language"].(string)
				if !ok || lang == "" {
					return "", fmt.Errorf("missing required argument: target_language")
				}
				return fmt.Sprintf("Translate the following text to %s:\n\n%s", lang, text), nil
			},
		},
		&FuncTool{
			ToolSpec: ToolSpec{
				Name:        "count_words",
				Description: "Count words, characters and sentences in the given text.",
				InputSchema: objectSchema([]string{"text"}, map[string]*jsonschema.Schema{
					"text": stringProp("The text to analyze."),
				}),
			},
			Fn: func(_ context.Context, input map[string]any) (string, error) {
				text, err := requireText(input)
				if err != nil {
					return "", err
				}
				return CountWords(text), nil
			},
		},
		&FuncTool{
			ToolSpec: ToolSpec{
				Name:        "extract_key_points",
				Description: "Extract key points from the given text as bullet points.",
				InputSchema: objectSchema([]string{"text"}, map[string]*jsonschema.Schema{
					"text": stringProp("The text to analyze."),
				}),
			},
			Fn: func(_ context.Context, input map[string]any) (string, error) {
				text, err := requireText(input)
				if err != nil {
					return "", err
				}
				return "Extract the key points from this text and present as bullet points:\n\n" + text, nil
			},
		},
		&FuncTool{
			ToolSpec: ToolSpec{
				Name:        "change_tone",
				Description: "Change the tone of the given text (formal, casual, enthusiastic, empathetic, assertive).",
				InputSchema: objectSchema([]string{"text", "tone"}, map[string]*jsonschema.Schema{
					"text": stringProp("The text to modify."),
					"tone": stringProp("Target tone."),
				}),
			},
			Fn: func(_ context.Context, input map[string]any) (string, error) {
				text, err := requireText(input)
				if err != nil {
					return "", err
				}
				tone := stringArg(input, "tone", "neutral")
				return fmt.Sprintf("Rewrite the following text in a %s tone:\n\n%s", tone, text), nil
			},
		},
	}
}

// CountWords summarizes word, character and sentence counts.
func CountWords(text string) string {
	words := len(strings.Fields(text))
	chars := len([]rune(text))
	sentences := strings.Count(text, ".") + strings.Count(text, "!") + strings.Count(text, "?")
	return fmt.Sprintf("Words: %d, Characters: %d, Sentences: %d", words, chars, sentences)
}
