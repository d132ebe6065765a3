// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

package permission

import "fmt"

// Category names one class of peer-visible surface. Categories are
// wire constants: they appear in permission callbacks, defaults files,
// and persisted snapshots.
type Category string

const (
	// CategoryProperties covers simple and list properties.
	CategoryProperties Category = "properties"
	// CategoryMethods covers callable peer methods.
	CategoryMethods Category = "methods"
	// CategoryActions covers one-shot actions a peer may trigger.
	CategoryActions Category = "actions"
	// CategoryTools covers tool surfaces exposed to the peer.
	CategoryTools Category = "tools"
	// CategoryResources covers addressable resources.
	CategoryResources Category = "resources"
	// CategoryPrompts covers prompt templates.
	CategoryPrompts Category = "prompts"
)

// Categories returns all categories in canonical order.
func Categories() []Category {
	return []Category{
		CategoryProperties,
		CategoryMethods,
		CategoryActions,
		CategoryTools,
		CategoryResources,
		CategoryPrompts,
	}
}

// ParseCategory validates a category name from wire or file input.
func ParseCategory(name string) (Category, error) {
	category := Category(name)
	switch category {
	case CategoryProperties, CategoryMethods, CategoryActions,
		CategoryTools, CategoryResources, CategoryPrompts:
		return category, nil
	}
	return "", fmt.Errorf("permission: unknown category %q", name)
}
