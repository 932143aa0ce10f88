package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/studykit/studysync/common"
	"github.com/studykit/studysync/schema"
)

// Exporter assembles a user's complete study data as one JSON document
// and pushes it to the export bucket.
type Exporter struct {
	logger     *log.Logger
	uploader   Uploader
	extractor  *Extractor
	repository SyncRepository
}

func NewExporter(logger *log.Logger, repository SyncRepository, extractor *Extractor, uploader Uploader) Exporter {
	return Exporter{
		logger:     logger,
		uploader:   uploader,
		extractor:  extractor,
		repository: repository,
	}
}

// Export runs in its own goroutine, detached from the triggering
// request. Failures are logged, the caller already got its 200.
func (e Exporter) Export(userID primitive.ObjectID, traceID string, window schema.Window) {
	e.logger.Println("launching export process")
	backgroundCtx := common.TimeItContext(context.Background())
	startExportTime := strings.ReplaceAll(time.Now().UTC().Round(time.Second).String(), " ", "_")

	document, detailedErr := e.buildDocument(backgroundCtx, traceID, userID, window)
	if detailedErr != nil {
		e.logger.Printf("export data assembly failed: %s \n", detailedErr.InternalMessage)
		return
	}

	var buffer bytes.Buffer
	encoder := json.NewEncoder(&buffer)
	if err := encoder.Encode(document); err != nil {
		e.logger.Printf("export encoding failed: %v \n", err)
		return
	}

	filename := strings.Join([]string{userID.Hex(), startExportTime}, "_") + ".json"
	if err := e.uploader.Upload(backgroundCtx, filename, &buffer); err != nil {
		e.logger.Printf("S3 upload failed: %v \n", err)
		return
	}
	e.logger.Println("upload to S3 done with success, terminating go routine")
}

func (e Exporter) buildDocument(ctx context.Context, traceID string, userID primitive.ObjectID, window schema.Window) (map[string]interface{}, *common.DetailedError) {
	sensorTypes, err := e.repository.DistinctSensorTypes(ctx, traceID, userID)
	if err != nil {
		return nil, detailed(errorRunningQuery, "buildDocument", userID.Hex(), traceID, err.Error())
	}

	sensorData := make(map[string]interface{}, len(sensorTypes))
	for _, sensorType := range sensorTypes {
		frame, detailedErr := e.extractor.SensorData(ctx, traceID, userID, sensorType, window)
		if detailedErr != nil {
			return nil, detailedErr
		}
		sensorData[sensorType] = frame.ToWire()
	}

	dayRecords, detailedErr := e.extractor.DayRecords(ctx, traceID, userID, window)
	if detailedErr != nil {
		return nil, detailedErr
	}

	return map[string]interface{}{
		"user_id":     userID.Hex(),
		"exported_at": time.Now().UTC().Format(time.RFC3339),
		"sensor_data": sensorData,
		"day_records": dayRecords,
	}, nil
}
