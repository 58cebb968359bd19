package documents

// schemaSource holds the CUE definitions document bodies are checked
// against. Definitions are left open with ... because forms add fields the
// projections do not read.
const schemaSource = `
#Date:     =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}$"
#Datetime: =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}T"

#Patient: {
	id:           string & !=""
	code?:        string
	firstName?:   string
	lastName?:    string
	gender?:      "MALE" | "FEMALE" | "TRANSGENDER" | "UNKNOWN"
	dateOfBirth?: #Date
	isDeceased?:  bool
	...
}

#ProgramEnrolment: {
	enrolmentDatetime:   #Datetime
	programEnrolmentId?: string
	status?:             string
	...
}

#Encounter: {
	startDatetime: #Datetime
	endDatetime?:  #Datetime
	status?:       "PENDING" | "VISITED" | "CANCELLED" | "DELETED"
	clinician?: {
		id: string
		...
	}
	...
}
`
