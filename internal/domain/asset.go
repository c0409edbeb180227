package domain

// DeployAsset describes one file of a build relative to the deploy root.
type DeployAsset struct {
	Path          string `json:"path"`
	Digest        string `json:"digest"`
	ContentLength int64  `json:"contentLength"`
}

// CachedDeployInfo is the serving-path view of a branch's active deploy.
type CachedDeployInfo struct {
	Purpose  string `json:"purpose"`
	FilePath string `json:"filePath"`
}
