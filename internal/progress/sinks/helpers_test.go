package sinks

import (
	"time"

	"github.com/JakeFAU/localbiz-harvester/internal/crawler"
	"github.com/JakeFAU/localbiz-harvester/internal/progress"
)

func logEvent(session, msg string) progress.Event {
	return progress.Event{
		SessionID: session,
		TS:        time.Now(),
		Kind:      progress.KindLog,
		Message:   msg,
		Severity:  crawler.SeverityInfo,
	}
}

func recordEvent(session, link string) progress.Event {
	rec := crawler.NewBusinessRecord(link)
	rec.Name = "Biz " + link
	return progress.Event{SessionID: session, TS: time.Now(), Kind: progress.KindRecord, Record: &rec}
}

func finishedEvent(session string, state crawler.SessionState) progress.Event {
	return progress.Event{SessionID: session, TS: time.Now(), Kind: progress.KindFinished, State: state}
}

func drain(ch <-chan progress.Event) []progress.Event {
	var out []progress.Event
	for evt := range ch {
		out = append(out, evt)
	}
	return out
}
