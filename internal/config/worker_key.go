package config

type WorkerKeyStruct struct {
	PersistAnswersQueue string
	PersistEventsQueue  string
}

var WorkerKey = &WorkerKeyStruct{
	PersistAnswersQueue: "persist_submission_answers_queue",
	PersistEventsQueue:  "persist_submission_events_queue",
}
