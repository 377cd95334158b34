package preset

// Bundled returns the presets seeded at bootstrap. All of them are
// read-only and immutable; updates are redirected to clones.
func Bundled() map[string]map[string]any {
	return map[string]map[string]any{
		"context-unified":          contextUnified(),
		"context-jsonl":            contextJSONL(),
		"context-markdown-unified": contextMarkdownUnified(),
		"context-markdown-slim":    contextMarkdownSlim(),
		"context-markdown-plain":   contextMarkdownPlain(),
		"context-text-plain":       contextTextPlain(),
	}
}

func protectedMeta(title, description, usage string, tags ...string) map[string]any {
	tagList := make([]any, len(tags))
	for i, t := range tags {
		tagList[i] = t
	}
	return map[string]any{
		"title":       title,
		"description": description,
		"usage":       usage,
		"tags":        tagList,
		"read_only":   true,
		"immutable":   true,
	}
}

func destination(format string) map[string]any {
	return map[string]any{
		"response":      true,
		"save":          false,
		"format":        format,
		"nest_children": false,
	}
}

func defaultSelection() map[string]any {
	return map[string]any{
		"projects":        []any{"${project}"},
		"entities":        []any{map[string]any{"type": "status_equals", "config": map[string]any{"value": "active"}}},
		"payload_filters": []any{},
		"include_references": map[string]any{
			"enabled": true,
			"depth":   int64(1),
			"modes":   []any{"ref", "query"},
		},
	}
}

func contextUnified() map[string]any {
	return map[string]any{
		"meta": protectedMeta(
			"Unified JSON context",
			"Single JSON document with metadata, stats, and every selected entity.",
			"export <project> preset=context-unified",
			"context", "json",
		),
		"settings": map[string]any{
			"destination": destination("json"),
			"options":     map[string]any{"missing_payload": "empty"},
		},
		"selection": defaultSelection(),
		"templates": map[string]any{
			"root":   `{"meta":${meta.json},"stats":${stats.json},"entities":[${entities}]}`,
			"entity": `{"project":"${entity.project}","slug":"${entity.slug}","version":"${entity.version}","payload":${entity.payload.json}}`,
		},
	}
}

func contextJSONL() map[string]any {
	return map[string]any{
		"meta": protectedMeta(
			"JSON Lines context",
			"One JSON value per line per entity, suitable for streaming ingestion.",
			"export <project> preset=context-jsonl",
			"context", "jsonl",
		),
		"settings": map[string]any{
			"destination": destination("jsonl"),
			"options":     map[string]any{"missing_payload": "skip"},
		},
		"selection": defaultSelection(),
		"templates": map[string]any{
			"root":   "${entities}",
			"entity": `{"project":"${entity.project}","slug":"${entity.slug}","version":"${entity.version}","payload":${entity.payload.json}}`,
		},
	}
}

func contextMarkdownUnified() map[string]any {
	return map[string]any{
		"meta": protectedMeta(
			"Unified Markdown context",
			"Markdown document with a project header and one heading per entity, payloads as fenced JSON.",
			"export <project> preset=context-markdown-unified",
			"context", "markdown",
		),
		"settings": map[string]any{
			"destination": destination("markdown"),
			"options":     map[string]any{"missing_payload": "empty"},
		},
		"selection": defaultSelection(),
		"templates": map[string]any{
			"root":    "# ${project.title}\n\n${entities}\n",
			"project": "## ${project.title}\n",
			"entity":  "${entity.heading_prefix} ${entity.slug} (v${entity.version})\n\n```json\n${entity.payload.pretty}\n```\n",
		},
	}
}

func contextMarkdownSlim() map[string]any {
	return map[string]any{
		"meta": protectedMeta(
			"Slim Markdown context",
			"Markdown with entity headings and flattened payload fields, no fences.",
			"export <project> preset=context-markdown-slim",
			"context", "markdown",
		),
		"settings": map[string]any{
			"destination": destination("markdown"),
			"options":     map[string]any{"missing_payload": "empty"},
		},
		"selection": defaultSelection(),
		"templates": map[string]any{
			"root":   "# ${project.title}\n\n${entities}\n",
			"entity": "${entity.heading_prefix} ${entity.slug}\n\n${entity.payload.text}\n",
		},
	}
}

func contextMarkdownPlain() map[string]any {
	return map[string]any{
		"meta": protectedMeta(
			"Plain Markdown context",
			"Minimal Markdown: entity slug lines followed by payload text.",
			"export <project> preset=context-markdown-plain",
			"context", "markdown",
		),
		"settings": map[string]any{
			"destination": destination("markdown"),
			"options":     map[string]any{"missing_payload": "empty"},
		},
		"selection": defaultSelection(),
		"templates": map[string]any{
			"root":   "${entities}\n",
			"entity": "**${entity.slug}**\n\n${entity.payload.text}\n",
		},
	}
}

func contextTextPlain() map[string]any {
	return map[string]any{
		"meta": protectedMeta(
			"Plain text context",
			"Raw text dump: indented entity slugs with flattened payload lines.",
			"export <project> preset=context-text-plain",
			"context", "text",
		),
		"settings": map[string]any{
			"destination": destination("text"),
			"options":     map[string]any{"missing_payload": "empty"},
		},
		"selection": defaultSelection(),
		"templates": map[string]any{
			"root":   "${entities}\n",
			"entity": "${entity.indent}${entity.slug}:\n${entity.payload.text}\n",
		},
	}
}
