package moosez

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// buildCatalogTree groups the catalog as Imaging > Modality > model. Model
// nodes carry their catalogRow as reference.
func buildCatalogTree(rows []catalogRow) *tview.TreeNode {
	root := tview.NewTreeNode("models").SetSelectable(false)

	groups := make(map[string]map[string][]catalogRow)
	for _, r := range rows {
		e := r.Expectation()
		if groups[e.Imaging] == nil {
			groups[e.Imaging] = make(map[string][]catalogRow)
		}
		groups[e.Imaging][e.Modality] = append(groups[e.Imaging][e.Modality], r)
	}

	for _, imaging := range sortedKeys(groups) {
		imagingNode := tview.NewTreeNode(imaging).SetColor(tcell.ColorYellow).SetSelectable(true)
		root.AddChild(imagingNode)
		for _, modality := range sortedKeys(groups[imaging]) {
			modalityNode := tview.NewTreeNode(modality).SetColor(tcell.ColorTeal).SetSelectable(true)
			imagingNode.AddChild(modalityNode)
			models := groups[imaging][modality]
			sort.Slice(models, func(i, j int) bool { return models[i].Name < models[j].Name })
			for _, m := range models {
				text := m.Name
				if m.Installed {
					text += " [green](installed)"
				} else if !m.Downloadable() {
					text += " [gray](no weights)"
				}
				modalityNode.AddChild(tview.NewTreeNode(text).SetReference(m).SetSelectable(true))
			}
		}
	}
	return root
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// describeModel renders the detail pane of one model.
func describeModel(r catalogRow) string {
	var b strings.Builder
	e := r.Expectation()
	fmt.Fprintf(&b, "[yellow]%s[-]\n\n", r.Name)
	fmt.Fprintf(&b, "Imaging:   %s\nModality:  %s\nTissue:    %s\n", e.Imaging, e.Modality, e.Tissue)
	if r.Downloadable() {
		fmt.Fprintf(&b, "Dataset:   %s\nTrainer:   %s\nConfig:    %s\n", r.Directory, r.Trainer, r.Configuration)
		fmt.Fprintf(&b, "Spacing:   %g x %g x %g mm\n", r.VoxelSpacing[0], r.VoxelSpacing[1], r.VoxelSpacing[2])
	} else {
		b.WriteString("Weights:   not available\n")
	}
	if r.LimitFOV != nil {
		fmt.Fprintf(&b, "Crops from %s, label %d\n", r.LimitFOV.ModelToCropFrom, r.LimitFOV.LabelIntensityToCropFrom)
	}
	if r.Installed {
		b.WriteString("[green]Installed[-]\n")
	}
	b.WriteString("\nLabels:\n")
	for _, l := range r.Labels() {
		fmt.Fprintf(&b, "  %3d  %s\n", l.Index, l.Name)
	}
	return b.String()
}

// runBrowser shows the catalog in a terminal UI until q or Esc is pressed.
func runBrowser(rows []catalogRow) error {
	root := buildCatalogTree(rows)

	detail := tview.NewTextView().SetDynamicColors(true).SetScrollable(true)
	detail.SetBorder(true).SetTitle("Model")
	detail.SetText("Select a model to see its labels.")

	tree := tview.NewTreeView().SetRoot(root).SetCurrentNode(root)
	tree.SetBorder(true).SetTitle("Catalog (q to quit)")

	show := func(node *tview.TreeNode) {
		if r, ok := node.GetReference().(catalogRow); ok {
			detail.SetText(describeModel(r)).ScrollToBeginning()
		}
	}
	tree.SetChangedFunc(show)
	tree.SetSelectedFunc(func(node *tview.TreeNode) {
		if len(node.GetChildren()) > 0 {
			node.SetExpanded(!node.IsExpanded())
			return
		}
		show(node)
	})

	flex := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(tree, 0, 1, true).
		AddItem(detail, 0, 2, false)

	app := tview.NewApplication()
	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || (event.Key() == tcell.KeyRune && event.Rune() == 'q') {
			app.Stop()
			return nil
		}
		return event
	})

	if err := app.SetRoot(flex, true).SetFocus(tree).EnableMouse(true).Run(); err != nil {
		return fmt.Errorf("catalog browser needs an interactive terminal: %w", err)
	}
	return nil
}
