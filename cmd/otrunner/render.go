package main

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"

	"github.com/cyrilcaoyang/opentrons-workflows/internal/batch"
	"github.com/cyrilcaoyang/opentrons-workflows/internal/session"
)

// progressRenderer draws batch progress: one spinner per command, resolved
// into a success or failure line when its result arrives.
type progressRenderer struct {
	spinner *pterm.SpinnerPrinter
}

func (p *progressRenderer) Notify(ev batch.Event) {
	switch ev.Kind {
	case batch.EventStart:
		pterm.DefaultSection.Println(fmt.Sprintf("Running %d commands", ev.Total))
	case batch.EventCommand:
		text := fmt.Sprintf("[%d/%d] %s", ev.Index+1, ev.Total, labelOf(ev.Label, ev.Command))
		p.spinner, _ = pterm.DefaultSpinner.WithRemoveWhenDone(false).Start(text)
	case batch.EventResult:
		text := fmt.Sprintf("[%d/%d] %s", ev.Index+1, ev.Total, labelOf(ev.Label, ""))
		if ev.Summary != "" {
			text += pterm.FgGray.Sprint("  " + ev.Summary)
		}
		if p.spinner == nil {
			if ev.Success {
				pterm.Success.Println(text)
			} else {
				pterm.Error.Println(text)
			}
			return
		}
		if ev.Success {
			p.spinner.Success(text)
		} else {
			p.spinner.Fail(text)
		}
		p.spinner = nil
	case batch.EventStopped:
		pterm.Warning.Println("Stopped: " + ev.Summary)
	case batch.EventDone:
		if ev.Success {
			pterm.Success.Println(ev.Summary)
		} else {
			pterm.Info.Println(ev.Summary)
		}
	}
}

func labelOf(label, command string) string {
	if label != "" {
		return label
	}
	first, _, _ := strings.Cut(command, "\n")
	return first
}

func printResult(res session.Result) {
	name := labelOf(res.Label, res.Command)
	if res.Success {
		pterm.Success.Printfln("%s (%.2fs)", name, res.Elapsed.Seconds())
		if res.Output != "" {
			pterm.Println(res.Output)
		}
		return
	}
	kind := string(res.Failure)
	if kind == "" {
		kind = "failed"
	}
	pterm.Error.Printfln("%s: %s (%.2fs)", name, kind, res.Elapsed.Seconds())
	if res.Output != "" {
		pterm.Println(res.Output)
	}
	if res.Error != "" {
		pterm.Println(pterm.FgRed.Sprint(res.Error))
	}
}

func printReport(rep *batch.Report) error {
	data := pterm.TableData{{"#", "LABEL", "STATUS", "SECONDS", "OUTPUT"}}
	for i, res := range rep.Results {
		st := pterm.FgGreen.Sprint("ok")
		text := res.Output
		if !res.Success {
			st = pterm.FgRed.Sprint(string(res.Failure))
			text = res.Error
		}
		data = append(data, []string{
			fmt.Sprint(i + 1),
			labelOf(res.Label, res.Command),
			st,
			fmt.Sprintf("%.2f", res.Elapsed.Seconds()),
			oneLine(text, 60),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}
	if rep.Stopped {
		pterm.Warning.Printfln("Stopped after %d of %d commands", len(rep.Results), rep.Total)
	}
	return nil
}

func oneLine(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
