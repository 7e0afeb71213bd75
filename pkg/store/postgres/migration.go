package postgres

func migrations() map[int]string {
	return map[int]string{
		1: `
			-- Create flow_states table (one live document per flow)
			CREATE TABLE flow_states (
				flow_id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				state JSONB NOT NULL,
				version BIGINT NOT NULL,
				current_phase VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				checkpoints JSONB NOT NULL DEFAULT '[]',
				created_at TIMESTAMP WITH TIME ZONE NOT NULL,
				updated_at TIMESTAMP WITH TIME ZONE NOT NULL,
				PRIMARY KEY (flow_id, tenant_id)
			);

			CREATE INDEX idx_flow_states_tenant_id ON flow_states(tenant_id);
			CREATE INDEX idx_flow_states_status ON flow_states(status);
			CREATE INDEX idx_flow_states_updated_at ON flow_states(updated_at);

			-- Create flow_state_versions table (append-only save history)
			CREATE TABLE flow_state_versions (
				flow_id VARCHAR(255) NOT NULL,
				tenant_id VARCHAR(255) NOT NULL,
				version BIGINT NOT NULL,
				phase VARCHAR(50) NOT NULL,
				status VARCHAR(50) NOT NULL,
				created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
				PRIMARY KEY (flow_id, tenant_id, version)
			);

			CREATE INDEX idx_flow_state_versions_created_at ON flow_state_versions(created_at);
		`,
		2: `
			-- Migration 2: Keep corrupted snapshots next to the live document so
			-- recovery can archive what it could not repair
			ALTER TABLE flow_states
				ADD COLUMN archived_snapshots JSONB NOT NULL DEFAULT '[]';
		`,
	}
}
