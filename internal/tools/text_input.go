package tools

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"OpenMCP-Pilot/internal/device"
	"OpenMCP-Pilot/internal/uitree"
)

const (
	editableSearchDepth    = 5
	descriptionSearchDepth = 64
)

func setText(_ context.Context, env Env, args Args) (string, error) {
	text, err := args.String("text")
	if err != nil {
		return "", err
	}
	submit, err := args.BoolOr("submit", false)
	if err != nil {
		return "", err
	}
	id, err := args.StringOr("id", "")
	if err != nil {
		return "", err
	}

	var target uitree.Node
	if id != "" {
		if target = env.UI.FindNodeByViewID(id); target == nil {
			return "", fmt.Errorf("no element with id %q on screen", id)
		}
	} else if target = env.UI.FindFocusedEditable(); target == nil {
		return "", errors.New("no focused text field; pass an id or tap a field first")
	}
	return enterText(env.UI, target, text, submit)
}

func setTextByDescription(_ context.Context, env Env, args Args) (string, error) {
	text, err := args.String("text")
	if err != nil {
		return "", err
	}
	description, err := args.String("description")
	if err != nil {
		return "", err
	}
	submit, err := args.BoolOr("submit", false)
	if err != nil {
		return "", err
	}
	id, err := args.StringOr("id", "")
	if err != nil {
		return "", err
	}

	var target uitree.Node
	if id != "" {
		target = env.UI.FindNodeByViewID(id)
	}
	if target == nil {
		target = findByDescription(env.UI.RootInActiveWindow(), description)
	}
	if target == nil {
		return "", fmt.Errorf("no element described as %q on screen", description)
	}
	return enterText(env.UI, target, text, submit)
}

func findByDescription(root uitree.Node, description string) uitree.Node {
	if root == nil {
		return nil
	}
	match := func(info uitree.Info) bool {
		return strings.EqualFold(strings.TrimSpace(info.ContentDescription), strings.TrimSpace(description))
	}
	if info, err := root.Describe(); err == nil && match(info) {
		return root
	}
	return uitree.FindDescendant(root, descriptionSearchDepth, match)
}

// enterText 定位可编辑节点、确保焦点、写入文本，按需提交。
func enterText(ui device.UIAutomation, target uitree.Node, text string, submit bool) (string, error) {
	info, err := target.Describe()
	if err != nil {
		return "", fmt.Errorf("read target field: %w", err)
	}
	if !info.Flags.Editable {
		child := uitree.FindDescendant(target, editableSearchDepth, func(i uitree.Info) bool { return i.Flags.Editable })
		if child == nil {
			return "", errors.New("target element is not editable and contains no editable field")
		}
		target = child
		if info, err = target.Describe(); err != nil {
			return "", fmt.Errorf("read target field: %w", err)
		}
	}

	if !info.Flags.Focused {
		ui.PerformAction(target, device.ActionClick, nil)
		if refreshed, err := target.Describe(); err == nil {
			info = refreshed
		}
		if !info.Flags.Focused {
			ui.PerformAction(target, device.ActionFocus, nil)
		}
	}

	if !ui.PerformAction(target, device.ActionSetText, &device.ActionArgs{Text: text}) {
		return "", errors.New("the field rejected the text")
	}
	if !submit {
		return fmt.Sprintf("Entered text %q", text), nil
	}
	if ui.PerformAction(target, device.ActionIMEEnter, nil) || ui.InjectKey(device.KeyEnter) {
		return fmt.Sprintf("Entered text %q and submitted", text), nil
	}
	return "", fmt.Errorf("entered text %q but submitting failed", text)
}
