package mailer

import "tiersync/internal/platform"

type campaignPayload struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Subject string `json:"subject"`
}

func (p campaignPayload) toPlatform() platform.Campaign {
	return platform.Campaign{ID: p.ID, Name: p.Name, Type: p.Type, Subject: p.Subject}
}

type groupPayload struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active int    `json:"active"`
}

func (p groupPayload) toPlatform() platform.Group {
	return platform.Group{ID: p.ID, Name: p.Name, Active: p.Active}
}

type fieldPayload struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

func (p fieldPayload) toPlatform() platform.Field {
	return platform.Field{ID: p.ID, Name: p.Title, Type: p.Type}
}

type fieldValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type memberPayload struct {
	ID     string       `json:"id"`
	Email  string       `json:"email"`
	Name   string       `json:"name"`
	Fields []fieldValue `json:"fields"`
}

func (p memberPayload) toPlatform() platform.Member {
	fields := make(map[string]string, len(p.Fields))
	for _, f := range p.Fields {
		if f.Key == "" {
			continue
		}
		fields[f.Key] = f.Value
	}
	return platform.Member{ID: p.ID, Email: p.Email, Name: p.Name, Fields: fields}
}

func fieldValuesFromMap(fields map[string]string) []fieldValue {
	if len(fields) == 0 {
		return nil
	}
	out := make([]fieldValue, 0, len(fields))
	for k, v := range fields {
		out = append(out, fieldValue{Key: k, Value: v})
	}
	return out
}

type importPayload struct {
	Subscribers []memberPayload `json:"subscribers"`
	Resubscribe bool            `json:"resubscribe"`
}
