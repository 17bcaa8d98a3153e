package config

// Config is the umbrella configuration object returned by Initialize and
// handed to the pipeline, the queue, and the HTTP layer.
type Config struct {
	Pipeline  *PipelineConfig
	Queue     *QueueConfig
	Retention *RetentionConfig
}

// Initialize loads all configuration from the environment.
func Initialize() (*Config, error) {
	pipeline, err := LoadPipelineConfigFromEnv()
	if err != nil {
		return nil, err
	}
	return &Config{
		Pipeline:  pipeline,
		Queue:     LoadQueueConfigFromEnv(),
		Retention: DefaultRetentionConfig(),
	}, nil
}
