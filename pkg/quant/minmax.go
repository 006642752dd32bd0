package quant

// MinMax covers the full observed range of every channel.
type MinMax struct{}

func (MinMax) Name() string { return AlgorithmMinMax }

func (MinMax) Compute(cfg TensorConfig, in Stats) (*Params, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mins, maxs, err := in.channelRanges(cfg)
	if err != nil {
		return nil, err
	}
	return deriveParams(cfg, mins, maxs)
}
