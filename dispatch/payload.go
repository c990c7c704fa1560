package dispatch

import (
	"fmt"
	"net/url"
	"strings"

	"dof-notifier/push"
	"dof-notifier/watch"
)

const observationPage = "https://dofbasen.dk/popobs.php"

// Payload builds the push document for an alert. day is the polling day ("DD-MM-YYYY");
// baseURL is the public address of the thread pages.
func Payload(a *watch.Alert, day, baseURL string) push.Payload {
	title := strings.TrimSpace(strings.TrimSpace(a.Count) + " " + strings.TrimSpace(a.Species))
	if loc := strings.TrimSpace(a.LocationName); loc != "" {
		title += ", " + loc
	}

	body := a.ObserverName()
	if behavior := strings.TrimSpace(a.Behavior); behavior != "" {
		if body == "" {
			body = behavior
		} else {
			body = behavior + ", " + body
		}
	}

	return push.Payload{
		Title: title,
		Body:  body,
		URL:   link(a, day, baseURL),
		Tag:   tag(a),
	}
}

func tag(a *watch.Alert) string {
	id := a.ThreadID()
	switch {
	case id == "":
		return a.DedupeID
	case a.ObsID == "":
		return id
	}
	return id + "-" + a.ObsID
}

// link points rarities at their thread page and everything else at the upstream observation.
func link(a *watch.Alert, day, baseURL string) string {
	if a.Tier.High() && baseURL != "" {
		q := url.Values{}
		q.Set("date", day)
		q.Set("id", a.ThreadID())
		return strings.TrimRight(baseURL, "/") + "/traad.html?" + q.Encode()
	}
	if a.ObsID != "" {
		return fmt.Sprintf("%s?obsid=%s&summering=tur&obs=obs", observationPage, url.QueryEscape(a.ObsID))
	}
	return baseURL
}
