// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package presenter

import "github.com/vorlif/spreak/localize"

// labels maps template keys to translatable messages.
var labels = map[string]localize.MsgID{
	"position":  "Position",
	"accuracy":  "Accuracy",
	"provider":  "Provider",
	"time":      "Time",
	"status":    "Status",
	"address":   "Address",
	"city":      "City",
	"province":  "Province",
	"country":   "Country",
	"source":    "Source",
	"distance":  "Distance (km)",
	"fallback":  "fallback",
	"noaddress": "No address found",
	"noplaces":  "No places nearby",
}

// fieldLabels are the keys printed in front of a value, padded to a common width.
var fieldLabels = []string{
	"position", "accuracy", "provider", "time", "status",
	"address", "city", "province", "country", "source",
}
