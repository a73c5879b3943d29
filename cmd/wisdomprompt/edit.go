package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"

	"github.com/CXL-edu/WisdomPrompt/internal/controller"
)

var errEditAborted = errors.New("edit aborted")

// editSubTasks runs the interactive confirmation loop: the user can rename,
// add or remove rows until choosing to run. Rows stay editable only while
// the controller is waiting for confirmation.
func editSubTasks(ctrl *controller.Controller) error {
	for {
		snap := ctrl.Snapshot()
		names := make([]string, len(snap.Tasks))
		for i, t := range snap.Tasks {
			names[i] = t.Name
		}

		items := []string{fmt.Sprintf("Run with %d sub-task(s)", len(ctrl.SubTaskNames()))}
		for i, name := range names {
			items = append(items, fmt.Sprintf("Edit %d: %s", i+1, name))
		}
		items = append(items, "Add a sub-task", "Remove a sub-task")

		sel := promptui.Select{
			Label: "Confirm retrieval scope",
			Items: items,
			Size:  12,
		}
		idx, _, err := sel.Run()
		if err != nil {
			return editInterrupt(err)
		}

		switch {
		case idx == 0:
			if len(ctrl.SubTaskNames()) == 0 {
				fmt.Println(red("at least one non-blank sub-task is required"))
				continue
			}
			return nil

		case idx >= 1 && idx <= len(names):
			taskIdx := idx - 1
			prompt := promptui.Prompt{
				Label:     fmt.Sprintf("Sub-task %d", taskIdx+1),
				Default:   names[taskIdx],
				AllowEdit: true,
			}
			value, err := prompt.Run()
			if err != nil {
				return editInterrupt(err)
			}
			ctrl.UpdateSubTask(taskIdx, strings.TrimSpace(value))

		case idx == len(names)+1:
			prompt := promptui.Prompt{Label: "New sub-task"}
			value, err := prompt.Run()
			if err != nil {
				return editInterrupt(err)
			}
			if value = strings.TrimSpace(value); value != "" {
				ctrl.AddSubTask(value)
			}

		default:
			if len(names) <= 1 {
				fmt.Println(red("cannot remove the last sub-task"))
				continue
			}
			pick := promptui.Select{Label: "Remove which sub-task", Items: names}
			taskIdx, _, err := pick.Run()
			if err != nil {
				return editInterrupt(err)
			}
			ctrl.RemoveSubTask(taskIdx)
		}
	}
}

func editInterrupt(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) {
		return errEditAborted
	}
	return err
}
